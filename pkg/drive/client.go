// Package drive implements the remote document store against the Google
// Drive API. Documents live in a single configured folder.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"storysync/internal/deliver"
	"storysync/internal/vault"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const epubMimeType = "application/epub+zip"

type Client struct {
	srv      *drive.Service
	folderID string
}

// NewClient creates a Drive client operating inside folderID, authorized by
// the same account credential the mailbox uses.
func NewClient(ctx context.Context, clientID, clientSecret, folderID string, cred *vault.Credential) (*Client, error) {
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       cred.Expiry,
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, config.TokenSource(ctx, token))))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %v", err)
	}

	return &Client{srv: srv, folderID: folderID}, nil
}

// Upload creates a new document in the folder and returns its remote id.
func (c *Client) Upload(ctx context.Context, name string, content []byte) (string, error) {
	file := &drive.File{
		Name:     name,
		MimeType: epubMimeType,
		Parents:  []string{c.folderID},
	}

	created, err := c.srv.Files.Create(file).
		Context(ctx).
		Media(bytes.NewReader(content), googleapi.ContentType(epubMimeType)).
		Fields("id").
		Do()
	if err != nil {
		return "", classify(err)
	}
	return created.Id, nil
}

// Update overwrites the content of an existing document in place, keeping
// its remote id.
func (c *Client) Update(ctx context.Context, remoteID string, content []byte) error {
	_, err := c.srv.Files.Update(remoteID, &drive.File{}).
		Context(ctx).
		Media(bytes.NewReader(content), googleapi.ContentType(epubMimeType)).
		Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

// Delete removes a document from the store.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	if err := c.srv.Files.Delete(remoteID).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// List returns the documents currently in the folder.
func (c *Client) List(ctx context.Context) ([]deliver.RemoteDocument, error) {
	var docs []deliver.RemoteDocument
	pageToken := ""

	for {
		call := c.srv.Files.List().
			Context(ctx).
			Q(fmt.Sprintf("'%s' in parents and trashed = false", c.folderID)).
			Fields("nextPageToken", "files(id, name)").
			PageSize(100)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classify(err)
		}

		for _, f := range resp.Files {
			docs = append(docs, deliver.RemoteDocument{ID: f.Id, Name: f.Name})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return docs, nil
}

// classify maps Drive API failures onto the delivery error contract.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404:
			return fmt.Errorf("%w: %v", deliver.ErrRemoteGone, err)
		case 403:
			for _, e := range apiErr.Errors {
				if e.Reason == "storageQuotaExceeded" || e.Reason == "quotaExceeded" ||
					e.Reason == "userRateLimitExceeded" {
					return fmt.Errorf("%w: %v", deliver.ErrQuotaExceeded, err)
				}
			}
		}
	}
	return err
}
