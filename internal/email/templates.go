package email

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"
)

// VerificationVars fill the verification code email.
type VerificationVars struct {
	Handle string
	Code   string
	TTL    time.Duration
}

const verificationSubject = "Your verification code"

var verificationText = texttemplate.Must(texttemplate.New("verify_text").Parse(
	`Use this code to confirm that you own{{if .Handle}} @{{.Handle}}{{end}}:

    {{.Code}}

The code expires in {{.Minutes}} minutes. If you did not request it, ignore this message.
`))

var verificationHTML = htmltemplate.Must(htmltemplate.New("verify_html").Parse(
	`<!doctype html>
<html><body style="font-family:sans-serif">
<p>Use this code to confirm that you own{{if .Handle}} <strong>@{{.Handle}}</strong>{{end}}:</p>
<p style="font-size:28px;letter-spacing:6px;font-weight:bold">{{.Code}}</p>
<p>The code expires in {{.Minutes}} minutes. If you did not request it, ignore this message.</p>
</body></html>
`))

// VerificationMessage renders the verification code email addressed to to.
func VerificationMessage(to string, vars VerificationVars) (Message, error) {
	data := struct {
		Handle  string
		Code    string
		Minutes int
	}{
		Handle:  vars.Handle,
		Code:    vars.Code,
		Minutes: max(int(vars.TTL.Round(time.Minute)/time.Minute), 1),
	}

	var text, html bytes.Buffer
	if err := verificationText.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render text body: %w", err)
	}
	if err := verificationHTML.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render html body: %w", err)
	}

	return Message{
		To:      to,
		Subject: verificationSubject,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
