// Package paneltest runs an in-memory imitation of the 3x-ui panel HTTP API
// for tests: cookie login, inbound list/add/update/del under both the
// versioned and the legacy routes, and knobs for injecting failures.
package paneltest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/xuibot/vpn-grant-bot/panel"
)

const cookieName = "3x-ui"

// Server is a fake panel. Exported fields may be changed between requests
// while holding no lock; tests drive it from a single goroutine.
type Server struct {
	*httptest.Server

	Username string
	Password string

	// LegacyOnly makes the versioned /panel/api routes answer 404.
	LegacyOnly bool
	// StringSettings emits settings/streamSettings/sniffing as JSON strings
	// (newer panels) instead of nested objects.
	StringSettings bool
	// Unauthorized answers the next N authenticated calls with 401.
	Unauthorized int
	// MalformedList answers list with a non-JSON body.
	MalformedList bool
	FailAdd       bool
	FailUpdate    bool
	FailDelete    bool

	mu       sync.Mutex
	nextID   int
	inbounds map[int]*panel.Inbound
	sessions map[string]bool
	logins   int
	calls    []string
}

// New starts a fake panel accepting admin/admin.
func New() *Server {
	s := &Server{
		Username: "admin",
		Password: "admin",
		nextID:   1,
		inbounds: map[int]*panel.Inbound{},
		sessions: map[string]bool{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Seed stores in as if it had been created earlier and returns its id.
func (s *Server) Seed(in panel.Inbound) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.Id = s.nextID
	s.nextID++
	if in.Tag == "" {
		in.Tag = fmt.Sprintf("inbound-%d", in.Port)
	}
	s.inbounds[in.Id] = &in
	return in.Id
}

// SeedJSON decodes one inbound in listing form and seeds it. Use it for
// fields panel.ClientEntry does not model, such as trojan passwords.
func (s *Server) SeedJSON(listing string) (int, error) {
	var in panel.Inbound
	if err := json.Unmarshal([]byte(listing), &in); err != nil {
		return 0, err
	}
	return s.Seed(in), nil
}

// SetClientStat attaches a traffic counter to an inbound.
func (s *Server) SetClientStat(inboundID int, st panel.ClientStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.inbounds[inboundID]; ok {
		st.InboundId = inboundID
		in.ClientStats = append(in.ClientStats, st)
	}
}

// Inbounds returns copies of the stored inbounds ordered by id.
func (s *Server) Inbounds() []panel.Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]panel.Inbound, 0, len(s.inbounds))
	for _, in := range s.inbounds {
		cp := *in
		cp.Settings.Clients = append([]panel.ClientEntry(nil), in.Settings.Clients...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Logins counts login attempts, successful or not.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Calls lists "METHOD /path" of every non-login request in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CountCalls counts recorded calls whose path contains fragment.
func (s *Server) CountCalls(fragment string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.Contains(c, fragment) {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/login" {
		s.login(w, r)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	authorized := false
	if c, err := r.Cookie(cookieName); err == nil {
		authorized = s.sessions[c.Value]
	}
	if authorized && s.Unauthorized > 0 {
		s.Unauthorized--
		authorized = false
	}
	s.mu.Unlock()

	if !authorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/panel/api/inbounds/"):
		if s.LegacyOnly {
			http.NotFound(w, r)
			return
		}
		s.inboundRoute(w, r, strings.TrimPrefix(path, "/panel/api/inbounds/"), http.MethodGet)
	case strings.HasPrefix(path, "/xui/inbound/"):
		s.inboundRoute(w, r, strings.TrimPrefix(path, "/xui/inbound/"), http.MethodPost)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.logins++
	n := s.logins
	ok := r.PostForm.Get("username") == s.Username && r.PostForm.Get("password") == s.Password
	if ok {
		token := "session-" + strconv.Itoa(n)
		s.sessions[token] = true
		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: token, Path: "/"})
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, false, "Wrong username or password", nil)
		return
	}
	writeJSON(w, true, "Login Successfully", nil)
}

func (s *Server) inboundRoute(w http.ResponseWriter, r *http.Request, rest, listMethod string) {
	op, idStr, _ := strings.Cut(rest, "/")
	switch {
	case op == "list" && r.Method == listMethod:
		s.list(w)
	case op == "add" && r.Method == http.MethodPost:
		s.add(w, r)
	case op == "update" && r.Method == http.MethodPost:
		s.update(w, r, idStr)
	case op == "del" && r.Method == http.MethodPost:
		s.del(w, idStr)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) list(w http.ResponseWriter) {
	if s.MalformedList {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>login</html>")
		return
	}
	inbounds := s.Inbounds()
	out := make([]map[string]any, 0, len(inbounds))
	for _, in := range inbounds {
		m, err := s.listing(in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, m)
	}
	writeJSON(w, true, "", out)
}

// listing renders one inbound the way the panel lists it.
func (s *Server) listing(in panel.Inbound) (map[string]any, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	if !s.StringSettings {
		for _, key := range []string{"settings", "streamSettings", "sniffing"} {
			text, _ := m[key].(string)
			var obj any
			if err := json.Unmarshal([]byte(text), &obj); err != nil {
				return nil, err
			}
			m[key] = obj
		}
	}
	m["id"] = in.Id
	m["tag"] = in.Tag
	stats := in.ClientStats
	if stats == nil {
		stats = []panel.ClientStat{}
	}
	m["clientStats"] = stats
	return m, nil
}

func (s *Server) decode(r *http.Request) (*panel.Inbound, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var in panel.Inbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Server) add(w http.ResponseWriter, r *http.Request) {
	if s.FailAdd {
		writeJSON(w, false, "Create failed", nil)
		return
	}
	in, err := s.decode(r)
	if err != nil {
		writeJSON(w, false, err.Error(), nil)
		return
	}
	s.mu.Lock()
	for _, existing := range s.inbounds {
		if existing.Port == in.Port {
			s.mu.Unlock()
			writeJSON(w, false, fmt.Sprintf("Port already exists: %d", in.Port), nil)
			return
		}
	}
	s.mu.Unlock()
	id := s.Seed(*in)
	writeJSON(w, true, "Create Successfully", map[string]any{"id": id, "port": in.Port, "tag": fmt.Sprintf("inbound-%d", in.Port)})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, idStr string) {
	if s.FailUpdate {
		writeJSON(w, false, "Update failed", nil)
		return
	}
	id, _ := strconv.Atoi(idStr)
	in, err := s.decode(r)
	if err != nil {
		writeJSON(w, false, err.Error(), nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.inbounds[id]
	if !ok {
		writeJSON(w, false, "Inbound not found", nil)
		return
	}
	in.Id = id
	in.Tag = old.Tag
	in.ClientStats = old.ClientStats
	s.inbounds[id] = in
	writeJSON(w, true, "Update Successfully", nil)
}

func (s *Server) del(w http.ResponseWriter, idStr string) {
	if s.FailDelete {
		writeJSON(w, false, "Delete failed", nil)
		return
	}
	id, _ := strconv.Atoi(idStr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbounds[id]; !ok {
		writeJSON(w, false, "Inbound not found", nil)
		return
	}
	delete(s.inbounds, id)
	writeJSON(w, true, "Delete Successfully", id)
}

func writeJSON(w http.ResponseWriter, success bool, msg string, obj any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"msg":     msg,
		"obj":     obj,
	})
}
