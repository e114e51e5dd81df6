// Package eventfilter implements the pure predicates that decide
// whether an event or message is eligible for webhook delivery. No
// ecosystem library fits a whitelist/blacklist-by-suffix predicate, so
// this stays plain stdlib by design.
package eventfilter

import "strings"

const (
	suffixGroup      = "@g.us"
	suffixNewsletter = "@newsletter"
	suffixBroadcast  = "@broadcast"
	statusBroadcast  = "status@broadcast"
)

// Config mirrors the event filter's enumerated configuration.
type Config struct {
	SkipStatus    bool
	SkipGroups    bool
	SkipChannels  bool
	SkipBlocked   bool
	AllowedEvents map[string]struct{}
	DeniedEvents  map[string]struct{}
}

// Filter evaluates Config's rules against concrete events and messages.
type Filter struct {
	cfg Config
}

func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// ShouldSendEvent reports whether an event named name is eligible for
// delivery: denied names are always rejected; when allowedEvents is
// non-empty it becomes an exclusive whitelist; otherwise everything
// not denied is admitted.
func (f *Filter) ShouldSendEvent(name string) bool {
	if _, denied := f.cfg.DeniedEvents[name]; denied {
		return false
	}
	if len(f.cfg.AllowedEvents) > 0 {
		_, allowed := f.cfg.AllowedEvents[name]
		return allowed
	}
	return true
}

// Message is the minimal shape ShouldSendMessage needs: an address the
// suffix rules classify, plus the remote JID presence check the
// behavior requires.
type Message struct {
	RemoteJID string
}

// ShouldSendMessage reports whether msg passes the address-suffix
// rules. A message with an empty RemoteJID never passes.
func (f *Filter) ShouldSendMessage(msg Message) bool {
	if msg.RemoteJID == "" {
		return false
	}
	if f.cfg.SkipStatus && isStatusAddress(msg.RemoteJID) {
		return false
	}
	if f.cfg.SkipGroups && strings.HasSuffix(msg.RemoteJID, suffixGroup) {
		return false
	}
	if f.cfg.SkipChannels && strings.HasSuffix(msg.RemoteJID, suffixNewsletter) {
		return false
	}
	return true
}

func isStatusAddress(jid string) bool {
	return strings.HasSuffix(jid, suffixBroadcast) || strings.Contains(jid, statusBroadcast)
}

// FilterMessages returns only the messages in msgs that pass
// ShouldSendMessage, preserving order. A batch with every message
// filtered out must not be delivered at all; callers should treat a
// zero-length result as "drop the batch".
func (f *Filter) FilterMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if f.ShouldSendMessage(m) {
			out = append(out, m)
		}
	}
	return out
}
