package eventfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldSendEventDeniedWins(t *testing.T) {
	f := New(Config{
		AllowedEvents: map[string]struct{}{"messages.upsert": {}},
		DeniedEvents:  map[string]struct{}{"messages.upsert": {}},
	})
	assert.False(t, f.ShouldSendEvent("messages.upsert"))
}

func TestShouldSendEventAllowlistIsExclusive(t *testing.T) {
	f := New(Config{AllowedEvents: map[string]struct{}{"messages.upsert": {}}})
	assert.True(t, f.ShouldSendEvent("messages.upsert"))
	assert.False(t, f.ShouldSendEvent("chats.update"))
}

func TestShouldSendEventEmptyConfigAdmitsAll(t *testing.T) {
	f := New(Config{})
	assert.True(t, f.ShouldSendEvent("anything"))
}

func TestShouldSendMessageRequiresRemoteJID(t *testing.T) {
	f := New(Config{})
	assert.False(t, f.ShouldSendMessage(Message{}))
}

func TestSkipStatusDropsBroadcast(t *testing.T) {
	f := New(Config{SkipStatus: true})
	assert.False(t, f.ShouldSendMessage(Message{RemoteJID: "status@broadcast"}))
	assert.False(t, f.ShouldSendMessage(Message{RemoteJID: "123@broadcast"}))

	f2 := New(Config{SkipStatus: false})
	assert.True(t, f2.ShouldSendMessage(Message{RemoteJID: "status@broadcast"}))
}

func TestSkipGroupsDefaultIsFalse(t *testing.T) {
	f := New(Config{SkipGroups: false})
	assert.True(t, f.ShouldSendMessage(Message{RemoteJID: "123@g.us"}))

	f2 := New(Config{SkipGroups: true})
	assert.False(t, f2.ShouldSendMessage(Message{RemoteJID: "123@g.us"}))
}

func TestSkipChannelsDropsNewsletter(t *testing.T) {
	f := New(Config{SkipChannels: true})
	assert.False(t, f.ShouldSendMessage(Message{RemoteJID: "123@newsletter"}))
}

func TestFilterMessagesDropsAllYieldsEmptyBatch(t *testing.T) {
	f := New(Config{SkipGroups: true, SkipStatus: true})
	out := f.FilterMessages([]Message{
		{RemoteJID: "1@g.us"},
		{RemoteJID: "status@broadcast"},
	})
	assert.Empty(t, out)
}

func TestFilterMessagesPreservesOrderOfSurvivors(t *testing.T) {
	f := New(Config{SkipGroups: true})
	out := f.FilterMessages([]Message{
		{RemoteJID: "1@s.whatsapp.net"},
		{RemoteJID: "2@g.us"},
		{RemoteJID: "3@s.whatsapp.net"},
	})
	assert.Equal(t, []Message{{RemoteJID: "1@s.whatsapp.net"}, {RemoteJID: "3@s.whatsapp.net"}}, out)
}
