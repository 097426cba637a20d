package broadcast

import (
	"html/template"
	"strings"
)

const (
	pushTitleMax = 65
	pushBodyMax  = 240
	testBanner   = "TEST BROADCAST - NOT A REAL EMERGENCY"
)

var emailTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
{{- if .Test}}
    <div style="background: #fef3c7; border: 2px solid #f59e0b; padding: 15px; margin-bottom: 20px; border-radius: 5px;">
        <strong style="color: #f59e0b;">⚠️ {{.Banner}}</strong>
    </div>
{{- end}}
    <div style="background: {{.Color}}; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0;">
        <h1 style="margin: 0; font-size: 24px;">{{.Icon}} {{.B.Title}}</h1>
    </div>
    <div style="background: #fff; padding: 20px; border: 2px solid {{.Color}}; border-top: none; border-radius: 0 0 5px 5px;">
        <p style="font-size: 16px; font-weight: bold; color: {{.Color}};">{{range $i, $l := .Message}}{{if $i}}<br>{{end}}{{$l}}{{end}}</p>
{{- if .Instructions}}
        <div style="margin-top: 20px; padding: 15px; background: #fef3c7; border-left: 3px solid {{.Color}};">
            <strong>What you should do:</strong><br>
            {{range $i, $l := .Instructions}}{{if $i}}<br>{{end}}{{$l}}{{end}}
        </div>
{{- end}}
        <div style="margin-top: 20px; padding: 10px; background: #f3f4f6; font-size: 12px; color: #6b7280;">
            <p style="margin: 0;">Authorization Code: <strong>{{.B.AuthorizationCode}}</strong></p>
            <p style="margin: 5px 0 0 0;">Authorized by: {{.B.AuthorizerName}}{{if .B.AuthorizerTitle}} ({{.B.AuthorizerTitle}}){{end}}</p>
        </div>
    </div>
</body>
</html>
`))

type emailView struct {
	B            *Broadcast
	Icon         string
	Color        template.CSS
	Message      []string
	Instructions []string
	Test         bool
	Banner       string
}

// subject is "<icon> <PREFIX>: <title>".
func subject(b *Broadcast) string {
	return b.Category.Icon() + " " + b.Severity.Prefix() + ": " + b.Title
}

func renderEmailHTML(b *Broadcast, test bool) (string, error) {
	v := emailView{
		B:       b,
		Icon:    b.Category.Icon(),
		Color:   template.CSS(b.Severity.Color()),
		Message: lines(b.Message),
		Test:    test,
		Banner:  testBanner,
	}
	if strings.TrimSpace(b.Instructions) != "" {
		v.Instructions = lines(b.Instructions)
	}
	var sb strings.Builder
	if err := emailTmpl.Execute(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// renderEmailText is the plain-text alternative of the HTML body.
func renderEmailText(b *Broadcast, test bool) string {
	var sb strings.Builder
	if test {
		sb.WriteString("*** " + testBanner + " ***\n\n")
	}
	sb.WriteString(b.Category.Icon() + " " + b.Title + "\n\n")
	sb.WriteString(b.Message + "\n")
	if ins := strings.TrimSpace(b.Instructions); ins != "" {
		sb.WriteString("\nWhat you should do:\n" + ins + "\n")
	}
	sb.WriteString("\nAuthorization Code: " + b.AuthorizationCode + "\n")
	sb.WriteString("Authorized by: " + b.AuthorizerName)
	if b.AuthorizerTitle != "" {
		sb.WriteString(" (" + b.AuthorizerTitle + ")")
	}
	sb.WriteString("\n")
	return sb.String()
}

// renderSMS fits "<PREFIX>: <title> - <message> <instructions>" into max runes.
func renderSMS(b *Broadcast, max int) string {
	s := b.Severity.Prefix() + ": " + b.Title + " - " + oneLine(b.Message)
	if ins := oneLine(b.Instructions); ins != "" {
		s += " " + ins
	}
	return clip(s, max)
}

func renderPush(b *Broadcast) (title, body string) {
	return clip(b.Severity.Prefix()+": "+b.Title, pushTitleMax), clip(oneLine(b.Message), pushBodyMax)
}

// renderVoice is read twice by the text-to-speech provider.
func renderVoice(b *Broadcast) string {
	once := b.Severity.Prefix() + ". " + b.Title + ". " + oneLine(b.Message)
	if ins := oneLine(b.Instructions); ins != "" {
		once += " " + ins
	}
	return once + " Repeating. " + once
}

func lines(s string) []string {
	return strings.Split(strings.ReplaceAll(strings.TrimSpace(s), "\r\n", "\n"), "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clip cuts s to max runes, marking the cut with "...".
func clip(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return strings.TrimRight(string(r[:max-3]), " ") + "..."
}
