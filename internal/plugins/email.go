package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/jhillyerd/enmime"

	"github.com/hyperifyio/metaextract/internal/plugin"
)

// Email reads single RFC 5322 messages and mbox archives. For an archive the
// header fields describe the first message.
type Email struct{}

func (*Email) Name() string { return "email" }

func (*Email) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "format"},
		{Name: "messages"},
		{Name: "subject"},
		{Name: "date"},
		{Name: "from", Tier: plugin.TierStandard},
		{Name: "to", Tier: plugin.TierStandard},
		{Name: "attachments"},
		{Name: "attachment_names", Tier: plugin.TierStandard},
		{Name: "has_html"},
		{Name: "message_id", Tier: plugin.TierForensic},
		{Name: "received_hops", Tier: plugin.TierForensic},
		{Name: "parse_warnings", Tier: plugin.TierForensic},
	}
}

func (*Email) Dependencies() []plugin.Dependency { return nil }
func (*Email) Init([]string) error               { return nil }

func (*Email) Accepts(name, mime string) bool {
	return mimeIs(mime, "message/rfc822", "application/mbox") || hasExt(name, ".eml", ".mbox", ".mbx")
}

func isMbox(head []byte, name string) bool {
	return hasExt(name, ".mbox", ".mbx") || strings.HasPrefix(string(head), "From ")
}

func (*Email) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	head, err := readHead(ctx, in, 5)
	if err != nil {
		return nil, err
	}
	src, err := openBytes(ctx, in)
	if err != nil {
		return nil, err
	}
	fields := plugin.NewFields()
	if !isMbox(head, in.Name) {
		env, err := enmime.ReadEnvelope(src)
		if err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		fields.Set("format", "eml").Set("messages", 1)
		describeEnvelope(fields, env)
		return fields, nil
	}

	fields.Set("format", "mbox")
	r := mbox.NewReader(src)
	count := 0
	for {
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mbox: %w", err)
		}
		count++
		if count == 1 {
			env, err := enmime.ReadEnvelope(msg)
			if err != nil {
				return nil, fmt.Errorf("parse first message: %w", err)
			}
			describeEnvelope(fields, env)
		}
	}
	fields.Set("messages", count)
	return fields, nil
}

func describeEnvelope(f *plugin.Fields, env *enmime.Envelope) {
	date := ""
	if t, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		date = t.UTC().Format(time.RFC3339)
	}
	names := make([]string, 0, len(env.Attachments))
	for _, a := range env.Attachments {
		names = append(names, a.FileName)
	}
	warnings := make([]string, 0, len(env.Errors))
	for _, e := range env.Errors {
		warnings = append(warnings, e.Error())
	}
	f.Set("subject", env.GetHeader("Subject")).
		Set("date", date).
		Set("from", addresses(env, "From")).
		Set("to", addresses(env, "To")).
		Set("attachments", len(env.Attachments)).
		Set("attachment_names", names).
		Set("has_html", env.HTML != "").
		Set("message_id", strings.Trim(env.GetHeader("Message-Id"), "<> ")).
		Set("received_hops", len(env.GetHeaderValues("Received"))).
		Set("parse_warnings", warnings)
}

func addresses(env *enmime.Envelope, key string) []string {
	list, err := env.AddressList(key)
	if err != nil {
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
