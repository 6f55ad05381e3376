package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/skybeam/groundstation/internal/statestore"
	"github.com/skybeam/groundstation/internal/supervisor"
)

func TestHelpLineListsAllBindings(t *testing.T) {
	line := DefaultKeyMap().helpLine()
	for _, want := range []string{"s start ramp", "x stop all", "q quit"} {
		if !strings.Contains(line, want) {
			t.Fatalf("help line %q missing %q", line, want)
		}
	}
}

func TestViewShowsStatusAndEvents(t *testing.T) {
	store := statestore.New()
	store.SetStatus(statestore.StatusReady)
	store.AddEvent(statestore.LevelWarn, "relay", "HIGH_QUEUE_DEPTH", "UDP->SER queue depth: 21")

	m := New(store, nil, supervisor.DefaultRampParams())
	m.width = 100

	view := m.View()
	if !strings.Contains(view, "READY") {
		t.Fatalf("view missing status:\n%s", view)
	}
	if !strings.Contains(view, "HIGH_QUEUE_DEPTH") && !strings.Contains(view, "queue depth") {
		t.Fatalf("view missing event tail:\n%s", view)
	}
	if !strings.Contains(view, "quit") {
		t.Fatalf("view missing help line:\n%s", view)
	}
}

func TestViewPlaceholderBeforeTelemetry(t *testing.T) {
	store := statestore.New()
	m := New(store, nil, supervisor.DefaultRampParams())
	m.width = 100

	if view := m.View(); !strings.Contains(view, "—") {
		t.Fatalf("expected placeholder for empty telemetry:\n%s", view)
	}
}

func TestQuitKeyQuits(t *testing.T) {
	store := statestore.New()
	m := New(store, nil, supervisor.DefaultRampParams())

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("no command returned for quit key")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("quit key produced %T, want tea.QuitMsg", msg)
	}
}
