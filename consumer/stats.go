package consumer

// Stats snapshots dispatch bookkeeping for diagnostics: how many
// messages have been delivered, how many are awaiting acknowledgement,
// and the last broker sequence id observed.
type Stats struct {
	DeliveredCount          int
	DispatchedPending       int
	AdditionalWindowSize    int
	LastDeliveredSequenceID int64
	ChannelDepth            int
}

// Stats returns a point-in-time snapshot of this consumer's dispatch
// bookkeeping.
func (c *Consumer) Stats() Stats {
	c.dispatchedLock.Lock()
	s := Stats{
		DeliveredCount:          c.deliveredCounter,
		DispatchedPending:       len(c.dispatchedMessages),
		AdditionalWindowSize:    c.additionalWindowSize,
		LastDeliveredSequenceID: c.lastDeliveredSequenceID,
	}
	c.dispatchedLock.Unlock()
	s.ChannelDepth = c.channel.Count()
	return s
}
