package broker

import (
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// PGNotifyPublisher publishes dispatch messages over the database's NOTIFY
// channel. Execution nodes LISTEN on the same channel, so the store that
// already holds task truth also carries dispatch, and a message can never
// land for a task whose claim did not commit.
type PGNotifyPublisher struct {
	db      *sqlx.DB
	channel string
}

func NewPGNotifyPublisher(connStr, channel string) (*PGNotifyPublisher, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open broker connection")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping broker connection")
	}
	return &PGNotifyPublisher{db: db, channel: channel}, nil
}

func (p *PGNotifyPublisher) PublishDispatch(msg DispatchMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal dispatch message")
	}
	if _, err := p.db.Exec("SELECT pg_notify($1, $2)", p.channel, string(payload)); err != nil {
		return errors.Wrapf(err, "publish dispatch for task %s", msg.TaskID)
	}
	return nil
}

func (p *PGNotifyPublisher) PublishCancel(taskID string) error {
	payload, err := json.Marshal(map[string]string{"task_id": taskID, "action": "cancel"})
	if err != nil {
		return errors.Wrap(err, "marshal cancel message")
	}
	if _, err := p.db.Exec("SELECT pg_notify($1, $2)", p.channel, string(payload)); err != nil {
		return errors.Wrapf(err, "publish cancel for task %s", taskID)
	}
	return nil
}

func (p *PGNotifyPublisher) Close() error {
	return p.db.Close()
}
