package runner

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// headerCarrier adapts amqp.Table to the OTel TextMapCarrier interface so
// the W3C trace context crosses the broker boundary: extracted from inbound
// message headers, injected into outbound ones.
type headerCarrier amqp.Table

// Get returns the value for key, "" when absent or not a string.
func (c headerCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Set stores a key/value pair.
func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the keys present.
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
