package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ThorTech/apache-nms/consumer"
	"github.com/ThorTech/apache-nms/session"
	"github.com/ThorTech/apache-nms/wire"
)

const (
	consumerNMSPrefix = "consumer.nms."
	consumerPrefix    = "consumer."
	sessionPrefix     = "session."
)

// DestinationOptions holds a destination URI's query parameters, already
// split by the consumer./consumer.nms./session. prefixes named in the
// external-interfaces configuration rules. Unknown keys are dropped by
// ParseDestination rather than surfaced here.
type DestinationOptions struct {
	Consumer    map[string]string
	ConsumerNMS map[string]string
	Session     map[string]string
}

// ParseDestination parses a destination URI of the form
// "queue://name?consumer.prefetchSize=10&consumer.nms.priority=true" (or
// topic://, temp-queue://, temp-topic://) into a wire.Destination plus its
// split query options. A malformed URI or unrecognized scheme is a parse
// failure the caller should surface as a connection exception.
func ParseDestination(raw string) (wire.Destination, DestinationOptions, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return wire.Destination{}, DestinationOptions{}, fmt.Errorf("parse destination uri %q: %w", raw, err)
	}

	kind, err := destinationKind(u.Scheme)
	if err != nil {
		return wire.Destination{}, DestinationOptions{}, err
	}

	name := u.Opaque
	if name == "" {
		name = u.Host + strings.TrimSuffix(u.Path, "/")
	}
	if name == "" {
		return wire.Destination{}, DestinationOptions{}, fmt.Errorf("parse destination uri %q: %w", raw, wire.ErrInvalidDestination)
	}

	opts := DestinationOptions{
		Consumer:    map[string]string{},
		ConsumerNMS: map[string]string{},
		Session:     map[string]string{},
	}
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		val := values[len(values)-1]
		switch {
		case strings.HasPrefix(key, consumerNMSPrefix):
			opts.ConsumerNMS[strings.TrimPrefix(key, consumerNMSPrefix)] = val
		case strings.HasPrefix(key, consumerPrefix):
			opts.Consumer[strings.TrimPrefix(key, consumerPrefix)] = val
		case strings.HasPrefix(key, sessionPrefix):
			opts.Session[strings.TrimPrefix(key, sessionPrefix)] = val
		}
	}

	return wire.Destination{Kind: kind, Name: name}, opts, nil
}

func destinationKind(scheme string) (wire.DestinationKind, error) {
	switch strings.ToLower(scheme) {
	case "queue":
		return wire.Queue, nil
	case "topic":
		return wire.Topic, nil
	case "temp-queue", "temporary-queue":
		return wire.TemporaryQueue, nil
	case "temp-topic", "temporary-topic":
		return wire.TemporaryTopic, nil
	default:
		return 0, fmt.Errorf("parse destination scheme %q: %w", scheme, wire.ErrInvalidDestination)
	}
}

// ApplyConsumerOptions folds a destination URI's consumer./consumer.nms.
// query parameters onto base, using the client's PrefetchPolicy for
// prefetchSize when the URI does not set one explicitly. The consumer.
// keys, with that prefix removed, are also copied into
// AdditionalProperties; consumer.nms. keys are not.
func (c *Config) ApplyConsumerOptions(dest wire.Destination, durable, browser bool, opts DestinationOptions, base consumer.Options) consumer.Options {
	result := base
	result.AdditionalProperties = opts.Consumer

	if result.Prefetch == 0 {
		result.Prefetch = c.Prefetch.PrefetchFor(dest.Kind, durable, browser)
	}
	if v, ok := opts.Consumer["prefetchSize"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			result.Prefetch = n
		}
	}
	if v, ok := opts.Consumer["maximumPendingMessageLimit"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			result.MaximumPendingLimit = n
		}
	}
	if v, ok := opts.Consumer["selector"]; ok {
		result.Selector = v
	}
	if v, ok := opts.Consumer["subscriptionName"]; ok {
		result.SubscriptionName = v
	}
	if v, ok := opts.Consumer["noLocal"]; ok {
		result.NoLocal = parseBool(v)
	}
	if v, ok := opts.Consumer["dispatchAsync"]; ok {
		result.DispatchAsync = parseBool(v)
	}
	if v, ok := opts.ConsumerNMS["ignoreExpiration"]; ok {
		result.IgnoreExpiration = parseBool(v)
	}
	if result.RedeliveryPolicy == nil {
		result.RedeliveryPolicy = c.Redelivery.Policy()
	}
	return result
}

// ApplySessionOptions folds a destination URI's session. query parameters
// onto base, defaulting ConnectTimeout/CloseTimeout/ReplayPerSecond/
// ReplayBurst/PrioritySupported/AlwaysSyncSend from the client-wide
// configuration when base does not already set them.
func (c *Config) ApplySessionOptions(opts DestinationOptions, base session.Options) session.Options {
	result := base
	if !result.PrioritySupported {
		result.PrioritySupported = c.SessionPrioritySupported
	}
	if !result.AlwaysSyncSend {
		result.AlwaysSyncSend = c.AlwaysSyncSend
	}
	if result.ConnectTimeout == 0 {
		result.ConnectTimeout = c.ConnectTimeout
	}
	if result.CloseTimeout == 0 {
		result.CloseTimeout = c.CloseTimeout
	}
	if result.ReplayPerSecond == 0 {
		result.ReplayPerSecond = c.ReplayPerSecond
	}
	if result.ReplayBurst == 0 {
		result.ReplayBurst = c.ReplayBurst
	}
	if v, ok := opts.Session["prioritySupported"]; ok {
		result.PrioritySupported = parseBool(v)
	}
	if v, ok := opts.Session["alwaysSyncSend"]; ok {
		result.AlwaysSyncSend = parseBool(v)
	}
	return result
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
