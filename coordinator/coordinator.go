// Package coordinator holds the process managers that drive bank transactions: they turn
// the events, failures and application messages of one phase into the commands of the next.
// Process managers keep no state of their own beyond the last event version they handled per
// aggregate, so redelivered events are skipped.
package coordinator

import (
	"context"

	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/metric"
	"github.com/raft-saga-store/pvstore"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Process manager names, used as bus subscriber and version store processor.
const (
	TransferProcess = "transfer-process"
	DepositProcess  = "deposit-process"
)

// Coordinator ...
type Coordinator struct {
	bus      bus.Bus
	versions pvstore.Store
	metrics  *metric.Metrics
	log      *log.Entry
}

// New returns a coordinator publishing to b. Call Register to start handling messages.
func New(logger *log.Logger, b bus.Bus, versions pvstore.Store, metrics *metric.Metrics) *Coordinator {
	return &Coordinator{
		bus:      b,
		versions: versions,
		metrics:  metrics,
		log:      logger.WithField("component", "coordinator"),
	}
}

// Register subscribes the transfer and deposit process managers.
func (c *Coordinator) Register() {
	c.registerTransfer()
	c.registerDeposit()
}

// on subscribes h for topic under processor, skipping events processor already handled.
func (c *Coordinator) on(processor, topic string, h bus.Handler) {
	c.bus.Subscribe(topic, processor, func(ctx context.Context, msg bus.Message) error {
		if msg.Kind != common.EventMessage || msg.Version == 0 {
			return h(ctx, msg)
		}
		handled, err := c.versions.Get(ctx, processor, msg.AggregateType, msg.Key)
		if err != nil {
			return err
		}
		if msg.Version <= handled {
			c.log.Debugf("%s skipping %s %s version %d, already at %d", processor, msg.Topic, msg.Key, msg.Version, handled)
			return nil
		}
		if err := h(ctx, msg); err != nil {
			return err
		}
		return c.versions.Update(ctx, processor, msg.AggregateType, msg.Key, msg.Version)
	})
}

// outgoing is a command to send.
type outgoing struct {
	topic   string
	key     string
	payload any
}

// send publishes cmds concurrently. Every command carries the id and items of cause, so a
// redelivered cause yields commands the executor recognises as already handled.
func (c *Coordinator) send(ctx context.Context, cause bus.Message, cmds ...outgoing) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, o := range cmds {
		g.Go(func() error {
			m, err := bus.NewMessage(common.CommandMessage, o.topic, o.key, o.payload, cause.Items)
			if err != nil {
				return err
			}
			m.ID = cause.ID
			return c.bus.Publish(ctx, m)
		})
	}
	return g.Wait()
}
