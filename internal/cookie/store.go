package cookie

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hbomb79/Rhea/internal/event"
	"github.com/hbomb79/Rhea/pkg/logger"
	"github.com/rjeczalik/notify"
)

var (
	log = logger.Get("CookieStore")

	// ErrStoreUnavailable indicates the backing cookie file is missing or
	// unreadable. Callers should treat this as "proceed unauthenticated".
	ErrStoreUnavailable = errors.New("cookie store backing file is missing or unreadable")
)

// SessionCookie is a single persisted cookie used to authenticate the headless
// browser against the target platform. The value is deliberately excluded from
// the String representation so it can never end up in logs or user-facing errors.
type SessionCookie struct {
	Domain            string
	IncludeSubdomains bool
	Path              string
	Secure            bool
	Expires           time.Time
	Name              string
	Value             string
}

func (c SessionCookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// MatchesHost reports whether this cookie applies to the host provided, taking
// the include-subdomains flag in to account.
func (c SessionCookie) MatchesHost(host string) bool {
	domain := strings.TrimPrefix(c.Domain, ".")
	if strings.EqualFold(host, domain) {
		return true
	}

	if c.IncludeSubdomains || strings.HasPrefix(c.Domain, ".") {
		return strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(domain))
	}

	return false
}

func (c SessionCookie) String() string {
	return fmt.Sprintf("SessionCookie{domain=%s name=%s value=<redacted>}", c.Domain, c.Name)
}

// Store is the single owner of the process-wide session cookie state. Reads may
// happen concurrently; writes (Save/Invalidate) are mutually exclusive and the
// on-disk replace is atomic (write-to-temp then rename) so a crash mid-write
// cannot corrupt the persisted set.
//
// The persisted format is the Netscape cookies.txt format, which is what the
// deployment's cookie refresh sidecars produce.
type Store struct {
	mu       sync.RWMutex
	path     string
	cookies  []SessionCookie
	eventBus event.EventDispatcher
}

// NewStore creates a cookie store backed by the file at the path provided. The
// file is not required to exist; a missing file simply means extraction
// attempts proceed unauthenticated until a cookie set is saved or provided
// externally.
func NewStore(path string, eventBus event.EventDispatcher) *Store {
	store := &Store{path: path, eventBus: eventBus}
	if _, err := store.Load(); err != nil {
		log.Emit(logger.WARNING, "No usable cookie set at %s (%v). Extractions will run unauthenticated until one is provided\n", path, err)
	}

	return store
}

// Load re-reads the backing file, replacing the in-memory cookie set. If the
// file is missing or unreadable, ErrStoreUnavailable is returned and the
// in-memory set is cleared.
func (store *Store) Load() ([]SessionCookie, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	handle, err := os.Open(store.path)
	if err != nil {
		store.cookies = nil
		return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, store.path)
	}
	defer handle.Close()

	cookies, err := parseNetscapeCookies(handle)
	if err != nil {
		store.cookies = nil
		return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, err.Error())
	}

	store.cookies = cookies
	log.Emit(logger.DEBUG, "Loaded %d cookies from %s\n", len(cookies), store.path)
	return store.snapshot(), nil
}

// All returns a copy of the current in-memory cookie set.
func (store *Store) All() []SessionCookie {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return store.snapshot()
}

// CookiesFor returns the subset of unexpired cookies applicable to the host provided.
func (store *Store) CookiesFor(host string) []SessionCookie {
	store.mu.RLock()
	defer store.mu.RUnlock()

	now := time.Now()
	matched := make([]SessionCookie, 0)
	for _, c := range store.cookies {
		if c.MatchesHost(host) && !c.Expired(now) {
			matched = append(matched, c)
		}
	}

	return matched
}

// Save atomically replaces the persisted cookie set (and the in-memory one)
// with the cookies provided.
func (store *Store) Save(cookies []SessionCookie) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.persist(cookies); err != nil {
		return err
	}

	store.cookies = append([]SessionCookie(nil), cookies...)
	return nil
}

// Invalidate removes all cookies for the domain provided (including subdomain
// scoped cookies) and persists the reduced set. This is used when the stream
// locator detects that the target site rejected our authentication.
func (store *Store) Invalidate(domain string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	remaining := make([]SessionCookie, 0, len(store.cookies))
	removed := 0
	for _, c := range store.cookies {
		if c.MatchesHost(domain) || strings.EqualFold(strings.TrimPrefix(c.Domain, "."), strings.TrimPrefix(domain, ".")) {
			removed++
			continue
		}

		remaining = append(remaining, c)
	}

	if removed == 0 {
		return nil
	}

	log.Emit(logger.REMOVE, "Invalidating %d cookies for domain %s\n", removed, domain)
	if err := store.persist(remaining); err != nil {
		return err
	}

	store.cookies = remaining
	return nil
}

// Run watches the backing file for external modification (e.g. a cookie
// refresh sidecar replacing the file) and reloads the in-memory set when a
// change is observed. Blocks until the context provided is cancelled.
func (store *Store) Run(ctx context.Context) error {
	events := make(chan notify.EventInfo, 8)
	watchTarget := filepath.Join(filepath.Dir(store.path), "...")
	if err := notify.Watch(watchTarget, events, notify.Create, notify.Write, notify.Rename); err != nil {
		return fmt.Errorf("failed to watch cookie path %s: %w", store.path, err)
	}
	defer notify.Stop(events)

	for {
		select {
		case ev := <-events:
			if filepath.Clean(ev.Path()) != filepath.Clean(store.path) {
				continue
			}

			if _, err := store.Load(); err != nil {
				log.Emit(logger.WARNING, "Cookie file changed but reload failed: %v\n", err)
				continue
			}

			log.Emit(logger.INFO, "Cookie store reloaded following external change\n")
			if store.eventBus != nil {
				store.eventBus.Dispatch(event.CookieStoreReloadEvent, nil)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// persist writes the cookies provided to a temporary file in the same directory
// as the store and then renames it over the backing file. Callers must hold the
// write lock.
func (store *Store) persist(cookies []SessionCookie) error {
	dir := filepath.Dir(store.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cookie store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cookies-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cookie file: %w", err)
	}

	if err := writeNetscapeCookies(tmp, cookies); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cookie file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to flush cookie file: %w", err)
	}

	if err := os.Rename(tmp.Name(), store.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace cookie file: %w", err)
	}

	return nil
}

func (store *Store) snapshot() []SessionCookie {
	return append([]SessionCookie(nil), store.cookies...)
}

// parseNetscapeCookies reads a cookies.txt formatted stream. Comment and blank
// lines are skipped, with the exception of the #HttpOnly_ prefix which some
// exporters use to mark http-only cookies.
func parseNetscapeCookies(r io.Reader) ([]SessionCookie, error) {
	cookies := make([]SessionCookie, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("malformed cookie entry on line %d (expected 7 fields, found %d)", lineNo, len(fields))
		}

		expiresUnix, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed cookie expiry on line %d", lineNo)
		}

		var expires time.Time
		if expiresUnix > 0 {
			expires = time.Unix(expiresUnix, 0)
		}

		cookies = append(cookies, SessionCookie{
			Domain:            fields[0],
			IncludeSubdomains: strings.EqualFold(fields[1], "TRUE"),
			Path:              fields[2],
			Secure:            strings.EqualFold(fields[3], "TRUE"),
			Expires:           expires,
			Name:              fields[5],
			Value:             fields[6],
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return cookies, nil
}

func writeNetscapeCookies(w io.Writer, cookies []SessionCookie) error {
	buf := bufio.NewWriter(w)
	if _, err := buf.WriteString("# Netscape HTTP Cookie File\n"); err != nil {
		return err
	}

	for _, c := range cookies {
		var expires int64
		if !c.Expires.IsZero() {
			expires = c.Expires.Unix()
		}

		line := strings.Join([]string{
			c.Domain,
			strings.ToUpper(strconv.FormatBool(c.IncludeSubdomains)),
			c.Path,
			strings.ToUpper(strconv.FormatBool(c.Secure)),
			strconv.FormatInt(expires, 10),
			c.Name,
			c.Value,
		}, "\t")

		if _, err := buf.WriteString(line + "\n"); err != nil {
			return err
		}
	}

	return buf.Flush()
}
