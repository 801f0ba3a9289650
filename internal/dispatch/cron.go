package dispatch

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sdewitt/kiln/internal/model"
)

// ScheduleCron registers a cron-expression recurrence for msgType. The
// expression uses the six-field form with a leading seconds column. Each
// firing submits a fresh message built from the template. The returned
// entry ID cancels the recurrence via CancelCron.
func (d *Dispatcher) ScheduleCron(spec, msgType string, payload []byte, priority int) (cron.EntryID, error) {
	if d.stopping.Load() {
		return 0, ErrShutdown
	}
	if _, err := d.reg.Resolve(msgType); err != nil {
		return 0, err
	}

	return d.crontab.AddFunc(spec, func() {
		if d.stopping.Load() {
			return
		}
		msg := &model.Message{
			ID:        model.NewID(),
			Type:      msgType,
			Payload:   payload,
			Priority:  priority,
			TimeoutS:  d.cfg.DefaultTimeoutS,
			CreatedAt: time.Now().UTC(),
		}
		d.pending.add()
		d.dispatch(msg)
	})
}

// CancelCron removes a cron recurrence. Unknown IDs are a no-op.
func (d *Dispatcher) CancelCron(id cron.EntryID) {
	d.crontab.Remove(id)
}
