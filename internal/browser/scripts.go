package browser

import (
	"encoding/json"
	"fmt"
)

// StorageSeed is a session-storage entry injected before any page script runs.
// An empty Origins list applies the seed to every origin.
type StorageSeed struct {
	Key     string   `json:"key"`
	Value   string   `json:"value"`
	Origins []string `json:"origins,omitempty"`
}

// SessionStorageScript returns an init script writing seeds into sessionStorage.
func SessionStorageScript(seeds ...StorageSeed) string {
	data, _ := json.Marshal(seeds)
	return fmt.Sprintf(`(() => {
  const seeds = %s;
  try {
    for (const s of seeds) {
      if (s.origins && s.origins.length && !s.origins.includes(location.origin)) continue;
      window.sessionStorage.setItem(s.key, s.value);
    }
  } catch (e) {}
})();`, data)
}

// StorageStateScript returns an init script restoring both storage scopes.
func StorageStateScript(local, session map[string]string) string {
	if local == nil {
		local = map[string]string{}
	}
	if session == nil {
		session = map[string]string{}
	}
	ls, _ := json.Marshal(local)
	ss, _ := json.Marshal(session)
	return fmt.Sprintf(`(() => {
  const ls = %s;
  const ss = %s;
  try {
    for (const [k, v] of Object.entries(ls)) window.localStorage.setItem(k, v);
    for (const [k, v] of Object.entries(ss)) window.sessionStorage.setItem(k, v);
  } catch (e) {}
})();`, ls, ss)
}

// DumpStorageJS evaluates to {localStorage, sessionStorage} of the current page.
const DumpStorageJS = `() => {
  const ls = {};
  const ss = {};
  for (let i = 0; i < localStorage.length; i++) {
    const k = localStorage.key(i);
    ls[k] = localStorage.getItem(k);
  }
  for (let i = 0; i < sessionStorage.length; i++) {
    const k = sessionStorage.key(i);
    ss[k] = sessionStorage.getItem(k);
  }
  return { localStorage: ls, sessionStorage: ss };
}`
