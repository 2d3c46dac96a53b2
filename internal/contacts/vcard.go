package contacts

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
)

// ImportVCard parses one or more vCard records and upserts each as a
// contact, storing the email and telephone fields (when present) as
// facts. It returns the contacts that were created or updated.
func (t *Tools) ImportVCard(r io.Reader) ([]*Contact, error) {
	dec := vcard.NewDecoder(r)

	var imported []*Contact
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("decode vcard: %w", err)
		}

		c, err := t.upsertCard(card)
		if err != nil {
			return imported, err
		}
		if c != nil {
			imported = append(imported, c)
		}
	}

	return imported, nil
}

// upsertCard upserts a single decoded vCard as a contact, storing its
// email and telephone fields as facts. Returns nil, nil if the card
// has no formatted name to key the contact on.
func (t *Tools) upsertCard(card vcard.Card) (*Contact, error) {
	name := card.PreferredValue(vcard.FieldFormattedName)
	if name == "" {
		return nil, nil
	}

	existing, err := t.store.FindByName(name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find %q: %w", name, err)
	}

	c := existing
	if c == nil {
		c = &Contact{Name: name, Kind: "person"}
	}

	upserted, err := t.store.Upsert(c)
	if err != nil {
		return nil, fmt.Errorf("upsert %q: %w", name, err)
	}

	if email := card.PreferredValue(vcard.FieldEmail); email != "" {
		if err := t.store.SetFact(upserted.ID, "email", email); err != nil {
			return nil, fmt.Errorf("set email fact for %q: %w", name, err)
		}
	}
	if tel := card.PreferredValue(vcard.FieldTelephone); tel != "" {
		if err := t.store.SetFact(upserted.ID, "phone", tel); err != nil {
			return nil, fmt.Errorf("set phone fact for %q: %w", name, err)
		}
	}

	return upserted, nil
}

// ExportContactVCard looks up a contact by name and renders it as a
// vCard record.
func (t *Tools) ExportContactVCard(name string) (string, error) {
	c, err := t.store.FindByName(name)
	if err != nil {
		return "", fmt.Errorf("find contact: %w", err)
	}
	return t.ExportVCard(c)
}

// ExportVCard renders a contact and its email/phone facts as a single
// vCard 4.0 record.
func (t *Tools) ExportVCard(c *Contact) (string, error) {
	facts, err := t.store.GetFacts(c.ID)
	if err != nil {
		return "", fmt.Errorf("get facts: %w", err)
	}

	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, c.Name)
	names := strings.SplitN(c.Name, " ", 2)
	if len(names) == 2 {
		card.Add(vcard.FieldName, &vcard.Field{Value: names[1] + ";" + names[0] + ";;;"})
	}
	if emails := facts["email"]; len(emails) > 0 {
		card.SetValue(vcard.FieldEmail, emails[0])
	}
	if phones := facts["phone"]; len(phones) > 0 {
		card.SetValue(vcard.FieldTelephone, phones[0])
	}
	if c.Summary != "" {
		card.SetValue(vcard.FieldNote, c.Summary)
	}
	vcard.ToV4(card)

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return "", fmt.Errorf("encode vcard: %w", err)
	}
	return buf.String(), nil
}
