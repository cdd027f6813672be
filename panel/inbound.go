package panel

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/xuibot/vpn-grant-bot/util/json_util"
)

// Protocol of an inbound listener.
type Protocol string

const (
	VLESS  Protocol = "vless"
	VMESS  Protocol = "vmess"
	Trojan Protocol = "trojan"
)

// FlowVision is the XTLS flow every provisioned client uses.
const FlowVision = "xtls-rprx-vision"

// ClientEntry is one identity inside an inbound's settings. TotalGB is a byte
// count despite its name; ExpiryTime is Unix milliseconds, 0 meaning never.
type ClientEntry struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId"`
	SubID      string `json:"subId"`
	Comment    string `json:"comment"`
	Reset      int    `json:"reset"`

	// every key as received, including ones the fields above do not name
	// (password, security, created_at, ...)
	raw map[string]json.RawMessage
}

type clientEntryFields ClientEntry

func (c *ClientEntry) UnmarshalJSON(data []byte) error {
	var f clientEntryFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	raw, err := json_util.Object(data)
	if err != nil {
		return err
	}
	*c = ClientEntry(f)
	c.raw = raw
	return nil
}

// MarshalJSON writes the typed fields over the received object, so keys this
// package does not model survive an update.
func (c ClientEntry) MarshalJSON() ([]byte, error) {
	return json_util.MergeObject(clientEntryFields(c), c.raw)
}

// InboundSettings is the protocol settings object of a VLESS-style inbound.
type InboundSettings struct {
	Clients    []ClientEntry        `json:"clients"`
	Decryption string               `json:"decryption"`
	Fallbacks  json_util.RawMessage `json:"fallbacks,omitempty"`

	raw map[string]json.RawMessage
}

type inboundSettingsFields InboundSettings

func (s *InboundSettings) UnmarshalJSON(data []byte) error {
	var f inboundSettingsFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	raw, err := json_util.Object(data)
	if err != nil {
		return err
	}
	*s = InboundSettings(f)
	s.raw = raw
	return nil
}

func (s InboundSettings) MarshalJSON() ([]byte, error) {
	return json_util.MergeObject(inboundSettingsFields(s), s.raw)
}

// ClientStat is the per-client traffic counter the panel attaches to an
// inbound listing.
type ClientStat struct {
	Id         int    `json:"id"`
	InboundId  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
}

// Inbound is a listener definition on the panel. The nested settings are
// always held in typed or raw-object form here, whichever encoding the panel
// used on the wire.
type Inbound struct {
	Id             int
	Up             int64
	Down           int64
	Total          int64
	Remark         string
	Enable         bool
	ExpiryTime     int64
	Listen         string
	Port           int
	Protocol       Protocol
	Settings       InboundSettings
	StreamSettings json_util.RawMessage
	Sniffing       json_util.RawMessage
	Tag            string
	ClientStats    []ClientStat
}

// wireInbound is the listing shape. The three nested objects are kept raw so
// both string-encoded and structured variants decode.
type wireInbound struct {
	Id               int             `json:"id"`
	Up               int64           `json:"up"`
	Down             int64           `json:"down"`
	Total            int64           `json:"total"`
	Remark           string          `json:"remark"`
	Enable           bool            `json:"enable"`
	ExpiryTime       int64           `json:"expiryTime"`
	Listen           string          `json:"listen"`
	Port             int             `json:"port"`
	Protocol         Protocol        `json:"protocol"`
	Settings         json.RawMessage `json:"settings"`
	StreamSettings   json.RawMessage `json:"streamSettings"`
	Sniffing         json.RawMessage `json:"sniffing"`
	SniffingSettings json.RawMessage `json:"sniffingSettings"`
	Tag              string          `json:"tag"`
	ClientStats      []ClientStat    `json:"clientStats"`
}

// inboundPayload is what add and update send: the full structure minus the
// fields the panel assigns itself (id, tag, client stats).
type inboundPayload struct {
	Up             int64           `json:"up"`
	Down           int64           `json:"down"`
	Total          int64           `json:"total"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	ExpiryTime     int64           `json:"expiryTime"`
	Listen         string          `json:"listen"`
	Port           int             `json:"port"`
	Protocol       Protocol        `json:"protocol"`
	Settings       json.RawMessage `json:"settings"`
	StreamSettings json.RawMessage `json:"streamSettings"`
	Sniffing       json.RawMessage `json:"sniffing"`
}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	settings, err := json_util.Unwrap(w.Settings)
	if err != nil {
		return fmt.Errorf("inbound %d settings: %w", w.Id, err)
	}
	var s InboundSettings
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &s); err != nil {
			return fmt.Errorf("inbound %d settings: %w", w.Id, err)
		}
	}
	stream, err := json_util.Unwrap(w.StreamSettings)
	if err != nil {
		return fmt.Errorf("inbound %d streamSettings: %w", w.Id, err)
	}
	sniffingRaw := w.Sniffing
	if len(sniffingRaw) == 0 {
		sniffingRaw = w.SniffingSettings
	}
	sniffing, err := json_util.Unwrap(sniffingRaw)
	if err != nil {
		return fmt.Errorf("inbound %d sniffing: %w", w.Id, err)
	}

	*in = Inbound{
		Id:             w.Id,
		Up:             w.Up,
		Down:           w.Down,
		Total:          w.Total,
		Remark:         w.Remark,
		Enable:         w.Enable,
		ExpiryTime:     w.ExpiryTime,
		Listen:         w.Listen,
		Port:           w.Port,
		Protocol:       w.Protocol,
		Settings:       s,
		StreamSettings: stream,
		Sniffing:       sniffing,
		Tag:            w.Tag,
		ClientStats:    w.ClientStats,
	}
	return nil
}

// MarshalJSON emits the add/update payload with nested objects as JSON
// strings, which every panel version accepts.
func (in Inbound) MarshalJSON() ([]byte, error) {
	if in.Settings.Clients == nil {
		in.Settings.Clients = []ClientEntry{}
	}
	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return nil, err
	}
	settingsStr, err := json_util.Stringify(settings)
	if err != nil {
		return nil, err
	}
	streamStr, err := json_util.Stringify(in.StreamSettings)
	if err != nil {
		return nil, err
	}
	sniffingStr, err := json_util.Stringify(in.Sniffing)
	if err != nil {
		return nil, err
	}
	return json.Marshal(inboundPayload{
		Up:             in.Up,
		Down:           in.Down,
		Total:          in.Total,
		Remark:         in.Remark,
		Enable:         in.Enable,
		ExpiryTime:     in.ExpiryTime,
		Listen:         in.Listen,
		Port:           in.Port,
		Protocol:       in.Protocol,
		Settings:       settingsStr,
		StreamSettings: streamStr,
		Sniffing:       sniffingStr,
	})
}

// FindClient returns the index of the client with the given id, or -1.
func (in *Inbound) FindClient(clientID string) int {
	for i := range in.Settings.Clients {
		if in.Settings.Clients[i].ID == clientID {
			return i
		}
	}
	return -1
}

// RemoveClient drops the client with the given id and reports whether it
// was present.
func (in *Inbound) RemoveClient(clientID string) bool {
	idx := in.FindClient(clientID)
	if idx < 0 {
		return false
	}
	in.Settings.Clients = append(in.Settings.Clients[:idx], in.Settings.Clients[idx+1:]...)
	return true
}

// ClientStat returns the traffic counters recorded for email, if any.
func (in *Inbound) ClientStat(email string) (ClientStat, bool) {
	for _, st := range in.ClientStats {
		if st.Email == email {
			return st, true
		}
	}
	return ClientStat{}, false
}

// LocateClient scans every inbound for the client id. The panel has no
// lookup by client id, so this is a linear search over the full listing.
func LocateClient(inbounds []Inbound, clientID string) (*Inbound, int, error) {
	for i := range inbounds {
		if idx := inbounds[i].FindClient(clientID); idx >= 0 {
			return &inbounds[i], idx, nil
		}
	}
	return nil, -1, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
}
