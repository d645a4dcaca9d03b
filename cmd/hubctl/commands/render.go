package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robohub/robohub/internal/admin"
	"github.com/robohub/robohub/internal/redact"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
	"github.com/robohub/robohub/internal/ui"
)

const shortKeyLen = 8

func shortKey(key string) string {
	if len(key) <= shortKeyLen {
		return key
	}
	return key[:shortKeyLen]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func renderSessions(infos []registry.Info, now time.Time) string {
	if len(infos) == 0 {
		return ui.RenderDim("No sessions connected.") + "\n"
	}

	rows := make([][]string, 0, len(infos))
	for _, in := range infos {
		status, battery, position := "-", "-", "-"
		if t := in.Telemetry; t != nil {
			status = ui.Color(ui.StatusColor(t.Status), t.Status)
			battery = strconv.FormatFloat(t.Battery, 'f', -1, 64) + "%"
			position = t.CurrentPosition
			if t.IsMoving {
				position += " (moving)"
			}
		}
		rows = append(rows, []string{
			strconv.Itoa(in.ID),
			shortKey(in.Key),
			in.Peer,
			orDash(in.DeviceID),
			orDash(in.Reason),
			status,
			battery,
			position,
			ago(in.LastSeen, now),
		})
	}
	return ui.RenderTable(
		[]string{"SLOT", "KEY", "PEER", "DEVICE", "REASON", "STATUS", "BATTERY", "POSITION", "LAST SEEN"},
		rows,
	)
}

func renderSessionCard(in registry.Info, now time.Time) string {
	fields := []ui.CardField{
		{Label: "key", Value: in.Key},
		{Label: "peer", Value: in.Peer},
		{Label: "device", Value: orDash(in.DeviceID)},
		{Label: "reason", Value: orDash(in.Reason)},
		{Label: "stream", Value: orDash(redact.URL(in.StreamURL))},
		{Label: "upload", Value: orDash(redact.URL(in.UploadURL))},
		{Label: "connected", Value: ago(in.ConnectedAt, now)},
		{Label: "last seen", Value: ago(in.LastSeen, now)},
	}
	if t := in.Telemetry; t != nil {
		fields = append(fields,
			ui.CardField{Label: "status", Value: ui.Color(ui.StatusColor(t.Status), t.Status)},
			ui.CardField{Label: "battery", Value: strconv.FormatFloat(t.Battery, 'f', -1, 64) + "%"},
			ui.CardField{Label: "moving", Value: strconv.FormatBool(t.IsMoving)},
			ui.CardField{Label: "position", Value: t.CurrentPosition},
		)
	}
	return ui.RenderCard(fmt.Sprintf("session %d", in.ID), fields)
}

func renderResult(res admin.CommandResult) string {
	var sb strings.Builder
	if len(res.Delivered) == 0 && len(res.Failed) == 0 {
		sb.WriteString(ui.RenderDim(fmt.Sprintf("%s: no sessions connected", res.Command)))
		sb.WriteString("\n")
		return sb.String()
	}
	if len(res.Delivered) > 0 {
		sb.WriteString(ui.RenderSuccess(fmt.Sprintf("%s delivered to %d session(s): %v", res.Command, len(res.Delivered), res.Delivered)))
		sb.WriteString("\n")
	}
	for _, f := range res.Failed {
		sb.WriteString(ui.Color(ui.Red, fmt.Sprintf("%s failed on session %d: %s", res.Command, f.ID, f.Error)))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderHistory(h admin.HistoryResult) string {
	if len(h.Samples) == 0 {
		return ui.RenderDim(fmt.Sprintf("No samples for %s.", h.Key)) + "\n"
	}

	rows := make([][]string, 0, len(h.Samples))
	for _, s := range h.Samples {
		rows = append(rows, []string{
			time.UnixMilli(s.Timestamp).Format("15:04:05.000"),
			ui.Color(ui.StatusColor(s.Status), s.Status),
			strconv.FormatFloat(s.Battery, 'f', -1, 64) + "%",
			strconv.FormatBool(s.IsMoving),
			s.CurrentPosition,
		})
	}

	var sb strings.Builder
	sb.WriteString(ui.Color(ui.Bold, fmt.Sprintf("%s (%s), %d sample(s)", h.Key, h.Peer, len(h.Samples))))
	sb.WriteString("\n")
	sb.WriteString(ui.RenderTable([]string{"TIME", "STATUS", "BATTERY", "MOVING", "POSITION"}, rows))
	return sb.String()
}

// batteryTrend summarizes the battery drop across samples
func batteryTrend(samples []telemetry.Sample) (first, last float64, ok bool) {
	if len(samples) == 0 {
		return 0, 0, false
	}
	return samples[0].Battery, samples[len(samples)-1].Battery, true
}
