// Package minerclient implements the unary RPC calls validators make to
// miners (spec §4.4, component C4): store, retrieve, remove, validation,
// each a multipart POST signed the same way peer frames are (spec §4.4/
// §6). Grounded on the teacher's tosclient typed-wrapper shape and
// engineapi/client's HTTP-client-over-signed-payload pattern. Any
// network/HTTP/parse error collapses to (nil, err) at the caller, which
// downgrades it to a failed MinerProcess rather than aborting the
// surrounding placement operation (spec §4.4/§7).
package minerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
)

// Client issues signed RPCs to one or more miners.
type Client struct {
	key     *crypto.KeyPair
	http    *retryablehttp.Client
	timeout time.Duration
}

// New returns a client signing every request with key and bounding each
// call at timeout (default 60s per spec §4.4).
func New(key *crypto.KeyPair, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0 // a failed miner call is data (succeed=false), not transient
	rc.Logger = nil
	return &Client{key: key, http: rc, timeout: timeout}
}

func (c *Client) buildMultipart(fields map[string]string, fileField, fileName string, fileData []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(fileData); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// signEnvelope signs verb plus fields' canonical JSON, mirroring
// p2p.BuildFrame's envelope signature over body: the miner call is
// authenticated the same way a peer frame is (spec §4.4/§6). The
// uploaded file bytes themselves are not part of the signed envelope,
// exactly as a peer frame's signature covers body, not a side channel.
func (c *Client) signEnvelope(verb string, fields map[string]string) (string, error) {
	envelope := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		envelope[k] = v
	}
	envelope["verb"] = verb
	raw, err := common.CanonicalJSON(envelope)
	if err != nil {
		return "", fmt.Errorf("minerclient: canonicalize envelope: %w", err)
	}
	return crypto.Sign(raw, c.key), nil
}

func (c *Client) post(ctx context.Context, conn common.Connection, verb string, fields map[string]string, fileField string, fileData []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := c.buildMultipart(fields, fileField, "chunk", fileData)
	if err != nil {
		return nil, err
	}
	sigHex, err := c.signEnvelope(verb, fields)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("http://%s:%d/method/%s", conn.IP, conn.Port, verb)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Key", c.key.PublicKeyHex())
	req.Header.Set("X-Signature", sigHex)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("minerclient: %s returned status %d", verb, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// StoreResult is the success response of Store.
type StoreResult struct {
	ChunkUUID string
}

// Store uploads chunk to folder (the owning user's address) on the
// miner at conn.
func (c *Client) Store(ctx context.Context, conn common.Connection, folder common.Address, chunk []byte) (*StoreResult, error) {
	raw, err := c.post(ctx, conn, "store", map[string]string{"folder": string(folder)}, "chunk", chunk)
	if err != nil {
		return nil, err
	}
	return &StoreResult{ChunkUUID: string(raw)}, nil
}

// Retrieve fetches chunkUUID's raw bytes from the miner at conn.
func (c *Client) Retrieve(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string) ([]byte, error) {
	return c.post(ctx, conn, "retrieve", map[string]string{"folder": string(folder), "chunk_uuid": chunkUUID}, "", nil)
}

// Remove asks the miner at conn to delete chunkUUID.
func (c *Client) Remove(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string) error {
	_, err := c.post(ctx, conn, "remove", map[string]string{"folder": string(folder), "chunk_uuid": chunkUUID}, "", nil)
	return err
}

// Validation fetches bytes over [start,end) of chunkUUID, the audit
// probe primitive (spec §4.4/§4.9).
func (c *Client) Validation(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string, start, end int) ([]byte, error) {
	return c.post(ctx, conn, "validation", map[string]string{
		"folder":     string(folder),
		"chunk_uuid": chunkUUID,
		"start":      strconv.Itoa(start),
		"end":        strconv.Itoa(end),
	}, "", nil)
}
