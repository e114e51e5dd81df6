package session

import (
	"context"

	"github.com/whatsgate/gateway/internal/gatewayerr"
	"github.com/whatsgate/gateway/internal/transport"
)

// clientFor returns the live transport for a session, refusing with a
// typed error when the session is missing its transport or has
// invalid credentials, per the credential-validation invariant.
func clientFor(sess *Session) (transport.Client, error) {
	if !sess.credentialsValid() {
		return nil, gatewayerr.CredentialsInvalid("session has no valid credentials", nil).WithContext("id", sess.id)
	}
	client := sess.currentClient()
	if client == nil {
		return nil, gatewayerr.Transport("session has no live transport", nil).WithContext("id", sess.id)
	}
	return client, nil
}

// SendText sends a text message through id's live transport.
func (r *Registry) SendText(ctx context.Context, id, jid, text string) (string, error) {
	sess, ok := r.Get(id)
	if !ok {
		return "", gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	client, err := clientFor(sess)
	if err != nil {
		return "", err
	}
	return client.SendText(ctx, jid, text)
}

// SendMedia sends a media message through id's live transport.
func (r *Registry) SendMedia(ctx context.Context, id, jid, mediaType string, data []byte, mimeType, caption string) (string, error) {
	sess, ok := r.Get(id)
	if !ok {
		return "", gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	client, err := clientFor(sess)
	if err != nil {
		return "", err
	}
	return client.SendMedia(ctx, jid, mediaType, data, mimeType, caption)
}

// FetchContact returns normalized contact info, serving from the
// session's contacts cache when available.
func (r *Registry) FetchContact(ctx context.Context, id, jid string) (transport.Contact, error) {
	sess, ok := r.Get(id)
	if !ok {
		return transport.Contact{}, gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	if cached, ok := sess.contacts.Get(jid); ok {
		return cached, nil
	}
	client, err := clientFor(sess)
	if err != nil {
		return transport.Contact{}, err
	}
	contact, err := client.FetchContact(ctx, jid)
	if err != nil {
		return transport.Contact{}, gatewayerr.Transport("fetch contact failed", err)
	}
	sess.contacts.Set(jid, contact)
	return contact, nil
}

// FetchGroupInfo returns normalized group info, serving from the
// session's groups cache when available.
func (r *Registry) FetchGroupInfo(ctx context.Context, id, jid string) (transport.GroupInfo, error) {
	sess, ok := r.Get(id)
	if !ok {
		return transport.GroupInfo{}, gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	if cached, ok := sess.groups.Get(jid); ok {
		return cached, nil
	}
	client, err := clientFor(sess)
	if err != nil {
		return transport.GroupInfo{}, err
	}
	info, err := client.FetchGroupInfo(ctx, jid)
	if err != nil {
		return transport.GroupInfo{}, gatewayerr.Transport("fetch group info failed", err)
	}
	sess.groups.Set(jid, info)
	return info, nil
}

// RequestPairingCode resolves the "pairing-code" open question: it
// calls the transport directly and returns its result verbatim.
func (r *Registry) RequestPairingCode(ctx context.Context, id, phoneE164WithoutPlus string) (string, error) {
	sess, ok := r.Get(id)
	if !ok {
		return "", gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	client := sess.currentClient()
	if client == nil {
		return "", gatewayerr.Transport("session has no live transport", nil).WithContext("id", id)
	}
	return client.RequestPairingCode(ctx, phoneE164WithoutPlus)
}

// Ack marks the given message ids as read, mirroring whatsmeow's MarkRead.
func (r *Registry) Ack(ctx context.Context, id, jid string, messageIDs []string) error {
	sess, ok := r.Get(id)
	if !ok {
		return gatewayerr.SessionNotFound("session not found", nil).WithContext("id", id)
	}
	client, err := clientFor(sess)
	if err != nil {
		return err
	}
	return client.MarkRead(ctx, jid, messageIDs)
}
