package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	syncdomain "storysync/internal/sync/domain"
	"storysync/internal/vault"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// TokenUpdateFunc is a callback invoked when the underlying token source
// refreshed the access token, so the caller can reseal and persist it.
type TokenUpdateFunc func(token *oauth2.Token) error

type Service struct {
	clientID     string
	clientSecret string
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			log.Printf("[Gmail] Failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

func NewService(clientID, clientSecret string) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (s *Service) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}
}

// Refresh exchanges the refresh token for a fresh access token. This is an
// explicit step driven by the orchestrator before a cycle touches the
// mailbox, never an implicit retry-on-401.
func (s *Service) Refresh(ctx context.Context, cred *vault.Credential) (*vault.Credential, error) {
	stale := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}

	fresh, err := s.oauthConfig().TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, &syncdomain.TransientFetchError{Op: "token refresh", Err: err}
	}

	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	return &vault.Credential{
		AccessToken:  fresh.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       fresh.Expiry,
	}, nil
}

// Session binds the Gmail API to one account's credential for the duration
// of a sync cycle.
type Session struct {
	srv *gmail.Service
}

// NewSession creates a Gmail session with the user's credential.
func (s *Service) NewSession(ctx context.Context, cred *vault.Credential, onTokenRefresh TokenUpdateFunc) (*Session, error) {
	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       cred.Expiry,
	}

	tokenSource := s.oauthConfig().TokenSource(ctx, token)

	// Wrap token source to detect refreshes
	wrappedSource := &notifyTokenSource{
		src:      tokenSource,
		current:  token,
		callback: onTokenRefresh,
	}

	client := oauth2.NewClient(ctx, wrappedSource)

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %v", err)
	}

	return &Session{srv: srv}, nil
}

const user = "me"

// HistorySince lists message ids added to the inbox after the checkpoint.
// Returned refs are in arrival order and may contain duplicates; callers are
// expected to collapse them.
func (sess *Session) HistorySince(ctx context.Context, cp syncdomain.Checkpoint) ([]syncdomain.MessageRef, syncdomain.Checkpoint, error) {
	var refs []syncdomain.MessageRef
	newCp := cp
	pageToken := ""

	for {
		call := sess.srv.Users.History.List(user).
			Context(ctx).
			StartHistoryId(uint64(cp)).
			HistoryTypes("messageAdded").
			LabelId("INBOX")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, 0, classifyHistoryError(cp, err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				refs = append(refs, syncdomain.MessageRef{
					MessageID:  added.Message.Id,
					ReceivedAt: time.Unix(added.Message.InternalDate/1000, 0),
				})
			}
		}

		if syncdomain.Checkpoint(resp.HistoryId).MoreRecentThan(newCp) {
			newCp = syncdomain.Checkpoint(resp.HistoryId)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return refs, newCp, nil
}

// LatestCheckpoint fetches the mailbox's current history id. Used to resync
// after the stored checkpoint expired.
func (sess *Session) LatestCheckpoint(ctx context.Context) (syncdomain.Checkpoint, error) {
	profile, err := sess.srv.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return 0, &syncdomain.TransientFetchError{Op: "profile fetch", Err: err}
	}
	return syncdomain.Checkpoint(profile.HistoryId), nil
}

// FetchMessage retrieves a message in raw RFC 822 form and parses out the
// headers and text body. Returns nil without error when the message was
// deleted between the diff and now.
func (sess *Session) FetchMessage(ctx context.Context, messageID string) (*syncdomain.RawMessage, error) {
	msg, err := sess.srv.Users.Messages.Get(user, messageID).Context(ctx).Format("raw").Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, nil
		}
		return nil, &syncdomain.TransientFetchError{Op: "message fetch", Err: err}
	}

	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("unable to decode message %s: %v", messageID, err)
	}

	return ParseRawMessage(raw)
}

// Watch (re)registers the inbox for push notifications on the Pub/Sub topic.
// Gmail expires watches after 7 days, so callers re-run this periodically.
func (sess *Session) Watch(ctx context.Context, topicName string) (syncdomain.Checkpoint, error) {
	// Stop any existing watch first to avoid the "only one user push
	// notification client allowed" error.
	_ = sess.srv.Users.Stop(user).Context(ctx).Do()

	req := &gmail.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{"INBOX"},
	}

	resp, err := sess.srv.Users.Watch(user, req).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("unable to watch mailbox: %v", err)
	}
	log.Printf("[Gmail] Watch registered. Expiration: %d, HistoryId: %d", resp.Expiration, resp.HistoryId)

	return syncdomain.Checkpoint(resp.HistoryId), nil
}

// Stop cancels push notifications for the mailbox.
func (sess *Session) Stop(ctx context.Context) error {
	if err := sess.srv.Users.Stop(user).Context(ctx).Do(); err != nil {
		return fmt.Errorf("unable to stop mailbox watch: %v", err)
	}
	return nil
}

// classifyHistoryError maps Gmail API failures onto the pipeline taxonomy.
// A 404 from history.list means the startHistoryId is too old or unknown.
func classifyHistoryError(cp syncdomain.Checkpoint, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 404 {
		return &syncdomain.CheckpointInvalidError{Checkpoint: cp}
	}
	return &syncdomain.TransientFetchError{Op: "history list", Err: err}
}
