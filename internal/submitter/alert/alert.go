package alert

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Alert is an operator facing notification about a systemic dispatch problem.
type Alert struct {
	Time                time.Time `msgpack:"time"`
	Backend             string    `msgpack:"backend"`
	ConsecutiveFailures int       `msgpack:"consecutiveFailures"`
	Message             string    `msgpack:"message"`
}

// Alerter delivers alerts outside the per-job error channel.
type Alerter interface {
	Raise(alert *Alert) error
}

// LogAlerter writes alerts to the log at error level.
type LogAlerter struct{}

func (LogAlerter) Raise(alert *Alert) error {
	log.WithFields(log.Fields{
		"backend":             alert.Backend,
		"consecutiveFailures": alert.ConsecutiveFailures,
	}).Errorf("ALERT: %s", alert.Message)
	return nil
}

// NatsAlerter publishes msgpack encoded alerts to a NATS subject. Alerts are also logged.
type NatsAlerter struct {
	conn    *nats.Conn
	subject string
}

func NewNatsAlerter(conn *nats.Conn, subject string) *NatsAlerter {
	return &NatsAlerter{
		conn:    conn,
		subject: subject,
	}
}

func (a *NatsAlerter) Raise(alert *Alert) error {
	_ = LogAlerter{}.Raise(alert)
	data, err := msgpack.Marshal(alert)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := a.conn.Publish(a.subject, data); err != nil {
		return errors.Wrapf(err, "publishing alert to %s", a.subject)
	}
	return nil
}
