package formatter

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/ThomasHabets/cryptsend/pkg/att"
	"github.com/ThomasHabets/cryptsend/pkg/backend"
	"github.com/ThomasHabets/cryptsend/pkg/lang"
	"github.com/ThomasHabets/cryptsend/pkg/pgp"
	"github.com/ThomasHabets/cryptsend/pkg/transport"
)

const openMsgStyle = "padding: 2px 6px; background: #2199e8; color: #fff; display: inline-block; text-decoration: none;"

// replyMarker gets a reply token and renders the hidden marker. Returns ""
// if there is no subscription.
func (f *Formatter) replyMarker(ctx context.Context, auth *backend.UUIDAuth, d *Draft) (string, error) {
	tok, err := f.deps.Backend.MessageToken(ctx, auth)
	if err != nil {
		switch {
		case backend.IsAuthErr(err):
			if err := f.deps.Prompt.OfferLogin(ctx, f.opts.Account); err != nil {
				log.Warningf("Login prompt failed: %v", err)
			}
			return "", cancel("backend needs login")
		case backend.IsStandardErr(err, "subscription"):
			log.Warningf("Subscription not active, sending without reply token: %v", err)
			return "", nil
		}
		return "", &BackendError{Msg: lang.TokenError, Err: err}
	}

	sender := address(d.Sender)
	self := address(f.opts.Account)
	seen := map[string]bool{}
	var rcpt []string
	for _, r := range addresses(d.Recipients.All()) {
		if r == sender || r == self || seen[r] {
			continue
		}
		seen[r] = true
		rcpt = append(rcpt, r)
	}
	return replyMarker(&ReplyData{
		Sender:    d.Sender,
		Recipient: rcpt,
		Subject:   d.Subject,
		Token:     tok,
	})
}

// uploadAtts hosts atts, sets their URLs and collects admin codes. All or
// nothing: on error no URL is set.
func (f *Formatter) uploadAtts(ctx context.Context, a *attempt, auth *backend.UUIDAuth, atts []*att.Attachment) error {
	st := time.Now()
	approvals, err := f.deps.Backend.MessagePresignFiles(ctx, auth, atts)
	if err != nil {
		return &BackendError{Msg: lang.UploadFailed, Err: err}
	}
	if len(approvals) != len(atts) {
		return &UploadIntegrityError{Msg: lang.UploadFailed, Uploaded: len(atts), Confirmed: len(approvals)}
	}
	items := make([]backend.UploadItem, len(atts))
	keys := make([]string, len(atts))
	for n := range atts {
		items[n] = backend.UploadItem{
			BaseURL: approvals[n].BaseURL,
			Fields:  approvals[n].Fields,
			Att:     atts[n],
		}
		keys[n] = approvals[n].Key()
	}
	if err := f.deps.Backend.S3Upload(ctx, items, f.deps.Progress); err != nil {
		return &BackendError{Msg: lang.UploadFailed, Err: err}
	}
	res, err := f.deps.Backend.MessageConfirmFiles(ctx, keys)
	if err != nil {
		return &BackendError{Msg: lang.UploadFailed, Err: err}
	}
	if len(res.Confirmed) != len(items) {
		return &UploadIntegrityError{Msg: lang.UploadFailed, Uploaded: len(items), Confirmed: len(res.Confirmed)}
	}
	for n := range atts {
		atts[n].URL = approvals[n].BaseURL + approvals[n].Key()
	}
	a.adminCodes = append(a.adminCodes, res.AdminCodes...)
	log.Infof("Uploaded %d attachments in %v", len(atts), time.Since(st))
	return nil
}

// pwdProtected hosts the encrypted message and returns the body that
// links to it.
func (f *Formatter) pwdProtected(ctx context.Context, a *attempt, auth *backend.UUIDAuth, d *Draft, encrypted string) (transport.Body, error) {
	res, err := f.deps.Backend.MessageUpload(ctx, auth, encrypted)
	if err != nil {
		return nil, &BackendError{Msg: "Failed to upload the password protected message, please try again", Err: err}
	}
	code, err := f.deps.Store.OutgoingLanguage(ctx, f.opts.Account)
	if err != nil {
		return nil, errors.Wrap(err, "getting outgoing language")
	}
	if code == "" {
		code = lang.Default
	}
	s := lang.Outgoing(code)
	msgURL := f.opts.WebURL + "/" + res.Short

	var text, rich []string
	if d.Intro != "" {
		text = append(text, d.Intro+"\n")
		rich = append(rich, strings.ReplaceAll(html.EscapeString(d.Intro), "\n", "<br>")+"<br><br>")
	}
	text = append(text, s.MsgEncryptedText+msgURL+"\n")
	rich = append(rich, strings.Join([]string{
		`<div class="cryptup_encrypted_message_replaceable">`,
		`<div style="opacity: 0;">` + pgp.ArmorPrefix + `</div>`,
		html.EscapeString(s.MsgEncryptedHTML) + `<a href="` + html.EscapeString(msgURL) + `" style="` + openMsgStyle + `">` + html.EscapeString(s.OpenMsg) + `</a><br/><br/>`,
		html.EscapeString(s.AlternativelyCopyPaste+msgURL) + `<br/><br/><br/>`,
		`</div>`,
	}, "\n"))

	codes := append([]string{res.AdminCode}, a.adminCodes...)
	if err := f.deps.Store.AddAdminCodes(ctx, res.Short, codes); err != nil {
		return nil, errors.Wrap(err, "storing admin codes")
	}
	log.Infof("Hosted password protected message as %q", res.Short)
	return transport.Body{
		transport.TypeTextPlain: strings.Join(text, "\n"),
		transport.TypeTextHTML:  strings.Join(rich, "\n"),
	}, nil
}
