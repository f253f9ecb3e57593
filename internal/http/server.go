package http

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/opsmesh/dispatchd/internal/log"
)

// Manager is one schedulable manager pass. The three scheduler managers
// satisfy it.
type Manager interface {
	Schedule() error
}

// Managers groups the triggerable passes for the debug endpoints.
type Managers struct {
	Task       Manager
	Dependency Manager
	Workflow   Manager
}

// NewServer builds the debug trigger API. Each endpoint runs one manager
// pass and reports whether periodic triggering is disabled. Re-running a
// pass against unchanged state changes nothing, so the endpoints are safe
// to hit repeatedly.
func NewServer(managers Managers, managersDisabled bool) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("dispatchd is running")
	})

	app.Get("/debug", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"task_manager":       "/debug/task_manager",
			"dependency_manager": "/debug/dependency_manager",
			"workflow_manager":   "/debug/workflow_manager",
		})
	})

	app.Get("/debug/task_manager", triggerHandler("task", managers.Task, managersDisabled))
	app.Get("/debug/dependency_manager", triggerHandler("dependency", managers.Dependency, managersDisabled))
	app.Get("/debug/workflow_manager", triggerHandler("workflow", managers.Workflow, managersDisabled))

	return app
}

func triggerHandler(name string, m Manager, disabled bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := m.Schedule(); err != nil {
			log.GetLogger().Errorf("Failed to run %s manager pass: %v", name, err)
			return c.Status(fiber.StatusInternalServerError).
				SendString(fmt.Sprintf("Failed to run %s manager: %v", name, err))
		}
		var msg string
		if disabled {
			msg = fmt.Sprintf("DISPATCHD_DISABLE_MANAGERS is set, this endpoint is the only trigger for the %s manager", name)
		} else {
			msg = fmt.Sprintf("Running %s manager. To disable other triggers to the %s manager, set DISPATCHD_DISABLE_MANAGERS=true", name, name)
		}
		return c.SendString(msg)
	}
}
