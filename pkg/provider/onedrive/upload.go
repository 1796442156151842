package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

// UploadBytes writes data as targetName under destFolderID. Payloads at or
// below the simple-upload limit go through a single PUT; larger payloads use
// a Graph upload session with sequential Content-Range chunks, accepting 202
// mid-sequence and 200/201 on the final chunk.
func (c *Client) UploadBytes(ctx context.Context, data []byte, targetName, destFolderID string) (*provider.FileDescriptor, error) {
	ctx, span := c.tracer.Start(ctx, "onedrive.upload_bytes")
	defer span.End()

	targetName = sanitizeName(targetName)

	span.SetAttributes(
		attribute.String("target.name", targetName),
		attribute.String("dest.folder", destFolderID),
		attribute.Int("bytes", len(data)),
	)

	ctx, cancel := context.WithTimeout(ctx, c.config.TransferTimeout)
	defer cancel()

	var fd *provider.FileDescriptor
	var err error
	if int64(len(data)) > provider.SimpleUploadLimit {
		span.SetAttributes(attribute.Bool("chunked", true))
		fd, err = c.chunkedUpload(ctx, data, targetName, destFolderID)
	} else {
		fd, err = c.simpleUpload(ctx, data, targetName, destFolderID)
	}
	if err != nil {
		span.RecordError(err)
		c.recordError(err)
		return nil, err
	}

	c.metrics.FilesUploaded++
	c.metrics.BytesUploaded += int64(len(data))
	c.metrics.LastActivity = time.Now()

	return fd, nil
}

func (c *Client) itemPath(targetName, destFolderID string) string {
	base := c.endpoint()
	if destFolderID == "" || destFolderID == "root" {
		return fmt.Sprintf("%s/me/drive/root:/%s:", base, url.PathEscape(targetName))
	}
	return fmt.Sprintf("%s/me/drive/items/%s:/%s:", base, url.PathEscape(destFolderID), url.PathEscape(targetName))
}

func (c *Client) simpleUpload(ctx context.Context, data []byte, targetName, destFolderID string) (*provider.FileDescriptor, error) {
	apiURL := c.itemPath(targetName, destFolderID) + "/content"

	var item driveItem
	err := c.retryPolicy.Do(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, apiURL, bytes.NewReader(data))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+c.conn.AccessToken())
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = int64(len(data))

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return &provider.ProviderError{Provider: provider.ProviderMicrosoft, Message: doErr.Error()}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return c.statusError(resp, targetName)
		}
		return json.NewDecoder(resp.Body).Decode(&item)
	})
	if err != nil {
		return nil, err
	}
	return toDescriptor(&item), nil
}

// chunkedUpload drives Graph's resumable protocol: createUploadSession, then
// sequential PUTs against the session URL with declared Content-Range.
func (c *Client) chunkedUpload(ctx context.Context, data []byte, targetName, destFolderID string) (*provider.FileDescriptor, error) {
	session, err := c.createUploadSession(ctx, targetName, destFolderID)
	if err != nil {
		return nil, err
	}

	total := int64(len(data))
	chunkSize := c.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10158080
	}

	var finalItem *driveItem
	for offset := int64(0); offset < total; offset += chunkSize {
		end := offset + chunkSize
		if end > total {
			end = total
		}

		item, chunkErr := c.uploadChunk(ctx, session.UploadURL, data[offset:end], offset, end-1, total)
		if chunkErr != nil {
			return nil, chunkErr
		}
		if item != nil {
			finalItem = item
		}
	}

	if finalItem == nil {
		return nil, &provider.ProviderError{
			Provider: provider.ProviderMicrosoft,
			Message:  "upload session finished without a drive item response",
		}
	}
	return toDescriptor(finalItem), nil
}

func (c *Client) createUploadSession(ctx context.Context, targetName, destFolderID string) (*uploadSession, error) {
	apiURL := c.itemPath(targetName, destFolderID) + "/createUploadSession"

	payload, _ := json.Marshal(map[string]interface{}{
		"item": map[string]string{
			"@microsoft.graph.conflictBehavior": "rename",
			"name":                              targetName,
		},
	})

	body, err := c.graphCall(ctx, http.MethodPost, apiURL, payload, targetName)
	if err != nil {
		return nil, err
	}

	var session uploadSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, &provider.ProviderError{
			Provider: provider.ProviderMicrosoft,
			Message:  "parsing upload session: " + err.Error(),
		}
	}
	if session.UploadURL == "" {
		return nil, &provider.ProviderError{
			Provider: provider.ProviderMicrosoft,
			Message:  "upload session response missing uploadUrl",
		}
	}
	return &session, nil
}

// uploadChunk PUTs one byte range with bounded retry and backoff. Graph
// answers 202 while it expects more ranges; the final range returns the
// created drive item with 200 or 201.
func (c *Client) uploadChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, total int64) (*driveItem, error) {
	var item *driveItem
	err := c.retryPolicy.Do(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
		if reqErr != nil {
			return reqErr
		}
		// Session URLs are pre-authorized; Graph rejects an extra
		// Authorization header on them.
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		req.ContentLength = int64(len(chunk))

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return &provider.ProviderError{Provider: provider.ProviderMicrosoft, Message: doErr.Error()}
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted:
			return nil
		case http.StatusOK, http.StatusCreated:
			var created driveItem
			if decodeErr := json.NewDecoder(resp.Body).Decode(&created); decodeErr != nil {
				return &provider.ProviderError{
					Provider: provider.ProviderMicrosoft,
					Message:  "parsing final chunk response: " + decodeErr.Error(),
				}
			}
			item = &created
			return nil
		default:
			return c.statusError(resp, uploadURL)
		}
	})
	return item, err
}

// sanitizeName strips characters OneDrive rejects in item names, plus
// trailing dots and spaces.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer(
		`"`, "_", "*", "_", ":", "_", "<", "_", ">", "_",
		"?", "_", "/", "_", `\`, "_", "|", "_",
	)
	cleaned := replacer.Replace(name)
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimRight(cleaned, ". ")
	if cleaned == "" {
		cleaned = "untitled"
	}
	return cleaned
}
