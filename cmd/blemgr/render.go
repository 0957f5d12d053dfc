package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/store"
)

func validateFormat(format string) error {
	switch format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}

// eventPrinter writes manager events as colored lines or as JSON lines.
type eventPrinter struct {
	w      io.Writer
	format string
	colors map[manager.EventType]*color.Color
}

func newEventPrinter(w io.Writer, format string) *eventPrinter {
	p := &eventPrinter{
		w:      w,
		format: format,
		colors: map[manager.EventType]*color.Color{
			manager.EventDiscovered:    color.New(color.FgGreen),
			manager.EventLost:          color.New(color.FgYellow),
			manager.EventEvicted:       color.New(color.FgYellow),
			manager.EventConnectFailed: color.New(color.FgRed),
			manager.EventError:         color.New(color.FgRed),
			manager.EventStateChanged:  color.New(color.FgCyan),
			manager.EventPowerChanged:  color.New(color.FgMagenta),
			manager.EventValueUpdated:  color.New(color.Bold),
		},
	}
	// Only a terminal gets escape sequences
	if w != io.Writer(os.Stdout) || color.NoColor {
		for _, c := range p.colors {
			c.DisableColor()
		}
	}
	return p
}

type eventJSON struct {
	Time           time.Time `json:"time"`
	Type           string    `json:"type"`
	Device         string    `json:"device,omitempty"`
	HardwareID     string    `json:"hardware_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	RSSI           int       `json:"rssi,omitempty"`
	Services       []string  `json:"services,omitempty"`
	State          string    `json:"state,omitempty"`
	Power          string    `json:"power,omitempty"`
	Characteristic string    `json:"characteristic,omitempty"`
	Value          string    `json:"value,omitempty"`
	Decoded        string    `json:"decoded,omitempty"`
	Subscription   string    `json:"subscription,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"error,omitempty"`
}

func (p *eventPrinter) print(e manager.Event) error {
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(toEventJSON(e))
	}

	id := e.DeviceID
	if id == "" {
		id = "-"
	}
	label := strings.ToUpper(e.Type.String())
	if c, ok := p.colors[e.Type]; ok {
		label = c.Sprintf("%-14s", label)
	} else {
		label = fmt.Sprintf("%-14s", label)
	}
	line := fmt.Sprintf("%s %s %s", e.Time.Format("15:04:05"), label, id)
	if details := eventDetails(e); details != "" {
		line += " " + details
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func eventDetails(e manager.Event) string {
	switch e.Type {
	case manager.EventDiscovered:
		details := fmt.Sprintf("rssi=%d", e.RSSI)
		if e.Device.Name != "" {
			details = fmt.Sprintf("name=%q %s", e.Device.Name, details)
		}
		if len(e.Device.AdvertisedServices) > 0 {
			details += " services=" + strings.Join(e.Device.AdvertisedServices, ",")
		}
		return details
	case manager.EventStateChanged:
		return "state=" + e.State.String()
	case manager.EventPowerChanged:
		return "power=" + e.Power.String()
	case manager.EventValueUpdated:
		details := fmt.Sprintf("%s = % x", e.Ref, e.Value)
		if decoded := describeValue(e.Ref, e.Value); decoded != "" {
			details += fmt.Sprintf(" [%s]", decoded)
		}
		if e.Subscription != nil {
			details += " (" + e.Subscription.String() + ")"
		}
		return details
	case manager.EventRSSI:
		return fmt.Sprintf("rssi=%d", e.RSSI)
	case manager.EventEvicted:
		return "reason=" + e.Reason
	case manager.EventConnectFailed, manager.EventError:
		if e.Err != nil {
			return "error=" + e.Err.Error()
		}
	}
	return ""
}

// describeValue returns an empty string for values that fail to decode.
func describeValue(ref device.CharRef, value []byte) string {
	decoded, err := device.DescribeValue(ref.Characteristic, value)
	if err != nil {
		return ""
	}
	return decoded
}

func toEventJSON(e manager.Event) eventJSON {
	out := eventJSON{
		Time:       e.Time,
		Type:       e.Type.String(),
		Device:     e.DeviceID,
		HardwareID: e.Device.HardwareID,
		Name:       e.Device.Name,
		Reason:     e.Reason,
	}
	switch e.Type {
	case manager.EventDiscovered:
		out.RSSI = e.RSSI
		out.Services = e.Device.AdvertisedServices
	case manager.EventRSSI:
		out.RSSI = e.RSSI
	case manager.EventStateChanged:
		out.State = e.State.String()
	case manager.EventPowerChanged:
		out.Power = e.Power.String()
	case manager.EventValueUpdated:
		out.Characteristic = e.Ref.String()
		out.Value = hex.EncodeToString(e.Value)
		out.Decoded = describeValue(e.Ref, e.Value)
		if e.Subscription != nil {
			out.Subscription = e.Subscription.String()
		}
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

type deviceJSON struct {
	ID         string            `json:"id"`
	Transport  string            `json:"transport_id"`
	HardwareID string            `json:"hardware_id,omitempty"`
	RecordID   string            `json:"record_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	State      string            `json:"state"`
	RSSI       int               `json:"rssi"`
	InRange    bool              `json:"in_range"`
	Services   []string          `json:"services"`
	Values     map[string]string `json:"values,omitempty"`
	LastSeen   *time.Time        `json:"last_seen,omitempty"`
}

func hexValues(values map[device.CharRef][]byte) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for ref, v := range values {
		out[ref.String()] = hex.EncodeToString(v)
	}
	return out
}

func printDevices(w io.Writer, devices []device.Info, format string) error {
	if format == "json" {
		list := make([]deviceJSON, 0, len(devices))
		for _, d := range devices {
			j := deviceJSON{
				ID:         d.ID(),
				Transport:  d.TransportID,
				HardwareID: d.HardwareID,
				RecordID:   d.RecordID,
				Name:       d.Name,
				State:      d.State.String(),
				RSSI:       d.RSSI,
				InRange:    d.InRange,
				Services:   d.AdvertisedServices,
				Values:     hexValues(d.Values),
			}
			if !d.LastSeen.IsZero() {
				seen := d.LastSeen
				j.LastSeen = &seen
			}
			list = append(list, j)
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}

	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tRSSI\tIN RANGE\tSERVICES")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d dBm\t%t\t%s\n",
			d.ID(), truncate(d.Name, 20), d.State, d.RSSI, d.InRange,
			truncate(strings.Join(d.AdvertisedServices, ","), 30))
	}
	return tw.Flush()
}

type recordJSON struct {
	ID          string            `json:"id"`
	HardwareID  string            `json:"hardware_id,omitempty"`
	TransportID string            `json:"transport_id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Values      map[string]string `json:"values,omitempty"`
	CustomData  map[string]string `json:"custom_data,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func printRecords(w io.Writer, records []store.Record, format string) error {
	sort.Slice(records, func(i, j int) bool { return records[i].Key() < records[j].Key() })

	if format == "json" {
		list := make([]recordJSON, 0, len(records))
		for _, r := range records {
			j := recordJSON{
				ID:          r.ID,
				HardwareID:  r.HardwareID,
				TransportID: r.TransportID,
				Name:        r.Name,
				Values:      hexValues(r.Characteristics),
				UpdatedAt:   r.UpdatedAt,
			}
			if len(r.CustomData) > 0 {
				j.CustomData = r.CustomData
			}
			list = append(list, j)
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}

	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No devices stored")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORD\tHARDWARE ID\tTRANSPORT ID\tNAME\tVALUES\tUPDATED")
	for _, r := range records {
		updated := "-"
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			device.ShortenUUID(r.ID), orDash(r.HardwareID), orDash(r.TransportID),
			orDash(truncate(r.Name, 20)), len(r.Characteristics), updated)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
