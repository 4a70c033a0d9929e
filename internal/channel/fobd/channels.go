package fobd

import (
	"context"
	"sync"

	"bookflow/logger"
	"bookflow/models"
)

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels carries raw delta frames from the websocket readers to the delta
// processor. A frame dropped here surfaces downstream as a sequence gap.
type Channels struct {
	Raw chan models.RawFOBDMessage

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.RawFOBDMessage, rawBufferSize),
		log: log,
	}

	log.WithComponent("fobd_channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("FOBD channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("fobd_channels").Info("FOBD channels closed")
	})
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

// SendRaw enqueues msg without blocking. It returns false when the context is
// done or the buffer is full.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawFOBDMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		logger.RecordChannelMessage("fobd_raw", len(msg.Data))
		return true
	default:
		c.IncrementRawDropped()
		c.log.WithComponent("fobd_channels").WithFields(logger.Fields{
			"exchange": msg.Instrument.Exchange,
			"symbol":   msg.Instrument.Symbol,
		}).Warn("raw delta channel full, dropping message")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
