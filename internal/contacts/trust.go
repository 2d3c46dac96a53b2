package contacts

// TrustResolver adapts the contact store to email.ContactResolver,
// letting the email package gate outbound sends without importing
// the contacts package directly.
type TrustResolver struct {
	store *Store
}

// NewTrustResolver creates a resolver backed by the given store.
func NewTrustResolver(store *Store) *TrustResolver {
	return &TrustResolver{store: store}
}

// ResolveTrustZone looks up the contact with a matching "email" fact
// and returns its "trust_zone" fact ("owner", "trusted", or "known").
// A contact with no explicit trust_zone fact defaults to "known" —
// recognized, but not yet vouched for.
func (r *TrustResolver) ResolveTrustZone(email string) (string, bool, error) {
	matches, err := r.store.FindByFact("email", email)
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, nil
	}

	facts, err := r.store.GetFacts(matches[0].ID)
	if err != nil {
		return "", false, err
	}
	if zones := facts["trust_zone"]; len(zones) > 0 {
		return zones[0], true, nil
	}
	return "known", true, nil
}
