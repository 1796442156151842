// Package provider defines the contract every cloud-storage provider client
// implements, along with the shared connection, error, rate-limiting and retry
// types the transfer pipeline builds on.
package provider

import (
	"context"
	"time"
)

// Provider identifies a supported cloud-storage provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// FileKind distinguishes files from folders.
type FileKind string

const (
	KindFile   FileKind = "file"
	KindFolder FileKind = "folder"
)

// SimpleUploadLimit is the payload size above which clients must switch from a
// single-request upload to a chunked/resumable upload session.
const SimpleUploadLimit = 150 * 1024 * 1024

// FileDescriptor is an immutable snapshot of one remote file or folder,
// fetched from a provider at a point in time. It is never mutated locally;
// drift is detected by re-fetching.
type FileDescriptor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         FileKind  `json:"kind"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modified_time"`
	ParentID     string    `json:"parent_id,omitempty"`
	Path         string    `json:"path,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	ChecksumType string    `json:"checksum_type,omitempty"`
}

// IsFolder reports whether the descriptor refers to a folder.
func (fd *FileDescriptor) IsFolder() bool {
	return fd.Kind == KindFolder
}

// ChildPage is one page of a folder listing. Ordering is stable (by name)
// across pages so cursors can be resumed safely.
type ChildPage struct {
	Items         []*FileDescriptor `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
	HasMore       bool              `json:"has_more"`
}

// Token is the credential material for one provider account.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its expiry. Tokens with a
// zero expiry are treated as non-expiring.
func (t Token) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// Client is the per-provider API surface the transfer pipeline is written
// against. Implementations translate provider responses into the shared error
// taxonomy: AuthError on 401, NotFoundError on 404, ProviderError otherwise.
type Client interface {
	// Provider returns which provider this client talks to.
	Provider() Provider

	// ListChildren lists the children of folderID one page at a time.
	// pageToken is the cursor returned by the previous page ("" for the
	// first page); pageSize caps the number of items per page.
	ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (*ChildPage, error)

	// GetMetadata fetches a fresh descriptor for fileID.
	GetMetadata(ctx context.Context, fileID string) (*FileDescriptor, error)

	// DownloadBytes fetches the full content of fileID. Providers with
	// native document formats that have no raw bytes export to a fixed
	// fallback binary format transparently.
	DownloadBytes(ctx context.Context, fileID string) ([]byte, error)

	// UploadBytes writes data as targetName under destFolderID and returns
	// the descriptor of the created file. Payloads above SimpleUploadLimit
	// use a chunked/resumable session. The target name is sanitized of
	// characters illegal in the destination namespace.
	UploadBytes(ctx context.Context, data []byte, targetName, destFolderID string) (*FileDescriptor, error)

	// RefreshAccessToken exchanges a refresh token for a fresh access
	// token. An invalid or revoked refresh token yields an AuthError with
	// ReauthRequired set; that failure is never retried.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*Token, error)

	// ValidateToken performs a lightweight call (own profile) to check the
	// current token before an expensive operation.
	ValidateToken(ctx context.Context) bool
}

// ClientFactory builds a provider client for a connection. The session
// manager uses it to rebuild a client after a token refresh.
type ClientFactory func(conn *Connection) (Client, error)

// Metrics tracks per-client operation counters, mirrored into traces.
type Metrics struct {
	FilesListed     int64     `json:"files_listed"`
	FilesRetrieved  int64     `json:"files_retrieved"`
	FilesDownloaded int64     `json:"files_downloaded"`
	FilesUploaded   int64     `json:"files_uploaded"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	BytesUploaded   int64     `json:"bytes_uploaded"`
	TokenRefreshes  int64     `json:"token_refreshes"`
	ErrorCount      int64     `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastActivity    time.Time `json:"last_activity"`
}
