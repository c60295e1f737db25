// Package lang has the user visible strings that go into outgoing mail,
// and the compose prompts.
package lang

import (
	"sort"
	"strings"
)

// Default is used for unknown or unset languages.
const Default = "EN"

// Strings is one language.
type Strings struct {
	OpenMsg                string
	MsgEncryptedText       string
	MsgEncryptedHTML       string
	AlternativelyCopyPaste string
}

var outgoing = map[string]*Strings{
	"EN": {
		OpenMsg:                "Click here to Open Message",
		MsgEncryptedText:       "I have sent you an encrypted message. Open it here: ",
		MsgEncryptedHTML:       "I have sent you a message encrypted with FlowCrypt. ",
		AlternativelyCopyPaste: "Alternatively copy and paste the following link: ",
	},
	"DE": {
		OpenMsg:                "Nachricht öffnen",
		MsgEncryptedText:       "Ich habe Ihnen eine verschlüsselte Nachricht gesendet. Öffnen Sie sie hier: ",
		MsgEncryptedHTML:       "Ich habe Ihnen eine mit FlowCrypt verschlüsselte Nachricht gesendet. ",
		AlternativelyCopyPaste: "Oder kopieren Sie den folgenden Link und fügen Sie ihn in Ihren Browser ein: ",
	},
}

// Outgoing returns the strings for code, falling back to Default.
func Outgoing(code string) *Strings {
	if s, ok := outgoing[strings.ToUpper(code)]; ok {
		return s
	}
	return outgoing[Default]
}

// Supported returns whether there are strings for code.
func Supported(code string) bool {
	_, ok := outgoing[strings.ToUpper(code)]
	return ok
}

// Codes lists the supported languages.
func Codes() []string {
	var ret []string
	for k := range outgoing {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// Compose prompts. These are shown to the sender, so English only.
const (
	PubkeyExpiredConfirmCompose = "The public key of one of your recipients is expired.\n\n" +
		"The right thing to do is to ask the recipient to send you an updated Public Key.\n\n" +
		"Are you sure you want to encrypt this message for an expired public key? (NOT RECOMMENDED)"

	OwnKeyExpired = "This message could not be encrypted because your own Private Key is expired.\n\n" +
		"You can extend expiration of this key in other OpenPGP software (such as gnupg), then re-import the updated key."

	RecipientKeyExpired = "The public key of one of your recipients has been expired for too long.\n\n" +
		"Please ask the recipient to send you an updated Public Key."

	RichTextWithPassword = "Rich text is not yet supported for password encrypted messages, please retry (formatting will be removed)."

	TokenError = "There was a token error sending this message. Please try again."

	UploadFailed = "Attachments did not upload properly, please try again"
)
