package notify

import (
	"fmt"
)

// Chain is the fallback order of channel names.
type Chain []string

// DefaultChain is primary, fallback, last resort.
var DefaultChain = Chain{ChannelWhatsApp, ChannelEmail, ChannelOperator}

// First returns the primary channel name.
func (c Chain) First() (string, bool) {
	if len(c) == 0 {
		return "", false
	}
	return c[0], true
}

// Next returns the channel after current. An empty current means nothing
// was sent yet, so the primary channel is next.
func (c Chain) Next(current string) (string, bool) {
	if current == "" {
		return c.First()
	}
	for i, name := range c {
		if name == current {
			if i+1 < len(c) {
				return c[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Router is the fixed registry of channels built at startup.
type Router struct {
	channels map[string]Channel
}

func NewRouter(channels ...Channel) (*Router, error) {
	r := &Router{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		name := ch.Name()
		if _, dup := r.channels[name]; dup {
			return nil, fmt.Errorf("notify: channel %q registered twice", name)
		}
		r.channels[name] = ch
	}
	return r, nil
}

// Resolve returns the channel registered under name.
func (r *Router) Resolve(name string) (Channel, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Validate fails when a chain member has no registered channel.
func (r *Router) Validate(chain Chain) error {
	if len(chain) == 0 {
		return fmt.Errorf("notify: empty fallback chain")
	}
	for _, name := range chain {
		if _, err := r.Resolve(name); err != nil {
			return err
		}
	}
	return nil
}
