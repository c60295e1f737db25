// Package backend talks to the companion backend that hosts password
// protected messages and their attachments.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/att"
)

const (
	DefaultURL = "https://flowcrypt.com/api/"

	defaultTimeout = time.Minute
	uploadConc     = 4
)

// UUIDAuth identifies a verified device of an account.
type UUIDAuth struct {
	Account string `json:"account"`
	UUID    string `json:"uuid"`
}

// Client is a backend API client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

// APIError is a non-2xx reply.
type APIError struct {
	Status   int
	Code     int
	Message  string
	Internal string
	Path     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %s: status %d: %s", e.Path, e.Status, e.Message)
}

// NetError is a failure to talk to the backend at all.
type NetError struct {
	Path string
	Err  error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("backend %s: network error: %v", e.Path, e.Err)
}

func (e *NetError) Unwrap() error {
	return e.Err
}

// IsAuthErr is true when the device needs to be re-verified.
func IsAuthErr(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == http.StatusUnauthorized || ae.Internal == "auth"
}

// IsStandardErr is true if the backend flagged err with the given internal kind.
func IsStandardErr(err error, internal string) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Internal == internal
}

func IsNetErr(err error) bool {
	var ne *NetError
	return errors.As(err, &ne)
}

type errorReply struct {
	Error *struct {
		Code     int    `json:"code"`
		Message  string `json:"message"`
		Internal string `json:"internal"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out interface{}) error {
	st := time.Now()
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "creating request for %q", path)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetError{Path: path, Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetError{Path: path, Err: err}
	}
	log.Debugf("Backend %s: status %d in %v", path, resp.StatusCode, time.Since(st))

	var er errorReply
	_ = json.Unmarshal(b, &er)
	if resp.StatusCode/100 != 2 || er.Error != nil {
		ae := &APIError{
			Status:  resp.StatusCode,
			Path:    path,
			Message: http.StatusText(resp.StatusCode),
		}
		if er.Error != nil {
			ae.Code = er.Error.Code
			ae.Message = er.Error.Message
			ae.Internal = er.Error.Internal
		}
		return ae
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "parsing reply from %q", path)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, path, "application/json", bytes.NewReader(b), out)
}

func authFields(auth *UUIDAuth) map[string]interface{} {
	m := map[string]interface{}{}
	if auth != nil {
		m["account"] = auth.Account
		m["uuid"] = auth.UUID
	}
	return m
}

// MessageToken gets a single use reply token.
func (c *Client) MessageToken(ctx context.Context, auth *UUIDAuth) (string, error) {
	var r struct {
		Token string `json:"token"`
	}
	if err := c.postJSON(ctx, "message/token", authFields(auth), &r); err != nil {
		return "", err
	}
	return r.Token, nil
}

// Approval is a pre-signed upload target.
type Approval struct {
	BaseURL string            `json:"base_url"`
	Fields  map[string]string `json:"fields"`
}

// Key is the storage key the upload will land under.
func (a *Approval) Key() string {
	return a.Fields["key"]
}

// MessagePresignFiles asks for one upload target per attachment.
func (c *Client) MessagePresignFiles(ctx context.Context, auth *UUIDAuth, atts []*att.Attachment) ([]Approval, error) {
	in := authFields(auth)
	var lengths []int
	for _, a := range atts {
		lengths = append(lengths, a.Length)
	}
	in["lengths"] = lengths
	var r struct {
		Approvals []Approval `json:"approvals"`
	}
	if err := c.postJSON(ctx, "message/presign_files", in, &r); err != nil {
		return nil, err
	}
	if len(r.Approvals) != len(atts) {
		return nil, errors.Errorf("backend presigned %d uploads, asked for %d", len(r.Approvals), len(atts))
	}
	return r.Approvals, nil
}

// UploadItem is one attachment to upload to a presigned target.
type UploadItem struct {
	BaseURL string
	Fields  map[string]string
	Att     *att.Attachment
}

// ProgressFunc is told when an upload finishes.
type ProgressFunc func(done, total int)

func (c *Client) s3UploadOne(ctx context.Context, item UploadItem) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	// Policy fields must precede the file.
	for k, v := range item.Fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", item.Att.Name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(item.Att.Data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", item.BaseURL, &buf)
	if err != nil {
		return errors.Wrapf(err, "creating upload request to %q", item.BaseURL)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetError{Path: item.BaseURL, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode, Path: item.BaseURL, Message: "upload failed"}
	}
	return nil
}

// S3Upload uploads all items concurrently. Completion order does not
// matter, only whether all of them made it.
func (c *Client) S3Upload(ctx context.Context, items []UploadItem, progress ProgressFunc) error {
	sem := make(chan struct{}, uploadConc)
	errs := make([]error, len(items))
	var m sync.Mutex
	var wg sync.WaitGroup
	done := 0
	var cancelled error
queue:
	for n := range items {
		n := n
		if cancelled = ctx.Err(); cancelled != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			cancelled = ctx.Err()
			break queue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			st := time.Now()
			errs[n] = c.s3UploadOne(ctx, items[n])
			log.Infof("Uploaded %q (%d bytes) in %v: err=%v", items[n].Att.Name, items[n].Att.Length, time.Since(st), errs[n])
			m.Lock()
			defer m.Unlock()
			done++
			if progress != nil {
				progress(done, len(items))
			}
		}()
	}
	wg.Wait()
	if cancelled != nil {
		return errors.Wrap(cancelled, "uploading attachments")
	}
	for n, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "uploading attachment %q", items[n].Att.Name)
		}
	}
	return nil
}

// ConfirmResult is the reply to MessageConfirmFiles.
type ConfirmResult struct {
	AdminCodes []string `json:"admin_codes"`
	Confirmed  []string `json:"confirmed"`
}

// MessageConfirmFiles tells the backend which uploads to keep.
func (c *Client) MessageConfirmFiles(ctx context.Context, keys []string) (*ConfirmResult, error) {
	var r ConfirmResult
	if err := c.postJSON(ctx, "message/confirm_files", map[string]interface{}{
		"identifiers": keys,
	}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UploadResult is the reply to MessageUpload.
type UploadResult struct {
	Short     string `json:"short"`
	AdminCode string `json:"admin_code"`
}

// MessageUpload hosts an armored message for the web portal.
func (c *Client) MessageUpload(ctx context.Context, auth *UUIDAuth, encrypted string) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if auth != nil {
		if err := mw.WriteField("account", auth.Account); err != nil {
			return nil, err
		}
		if err := mw.WriteField("uuid", auth.UUID); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("content", "content")
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(fw, encrypted); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var r UploadResult
	if err := c.do(ctx, "message/upload", mw.FormDataContentType(), &buf, &r); err != nil {
		return nil, err
	}
	if r.Short == "" {
		return nil, errors.New("backend returned no short link id")
	}
	return &r, nil
}
