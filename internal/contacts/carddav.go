package contacts

import (
	"context"
	"fmt"
	"net/http"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"
)

// SyncFromCardDAV pulls every contact from a remote CardDAV address
// book (e.g. a Nextcloud or Radicale instance) and upserts each one,
// the same way ImportVCard does for a local file. It returns the
// number of contacts synced.
func (t *Tools) SyncFromCardDAV(ctx context.Context, endpoint, username, password string) (int, error) {
	httpClient := webdav.HTTPClientWithBasicAuth(http.DefaultClient, username, password)
	client, err := carddav.NewClient(httpClient, endpoint)
	if err != nil {
		return 0, fmt.Errorf("connect to carddav endpoint: %w", err)
	}

	homeSet, err := client.FindAddressBookHomeSet(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("find address book home set: %w", err)
	}

	addressBooks, err := client.FindAddressBooks(ctx, homeSet)
	if err != nil {
		return 0, fmt.Errorf("list address books: %w", err)
	}

	synced := 0
	for _, ab := range addressBooks {
		objects, err := client.QueryAddressBook(ctx, ab.Path, &carddav.AddressBookQuery{})
		if err != nil {
			return synced, fmt.Errorf("query address book %s: %w", ab.Path, err)
		}
		for _, obj := range objects {
			c, err := t.upsertCard(obj.Card)
			if err != nil {
				return synced, fmt.Errorf("sync contact from %s: %w", obj.Path, err)
			}
			if c != nil {
				synced++
			}
		}
	}

	return synced, nil
}
