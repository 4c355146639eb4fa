package models

import "time"

// HistoryWindow is the ordered (ascending timestamp) sequence of an aircraft's most recent state vectors.
type HistoryWindow struct {
	ICAO24  string        `json:"icao24"`
	Entries []StateVector `json:"entries"`
}

func (w HistoryWindow) Len() int {
	return len(w.Entries)
}

// Latest returns the newest entry.
func (w HistoryWindow) Latest() (StateVector, bool) {
	if len(w.Entries) == 0 {
		return StateVector{}, false
	}
	return w.Entries[len(w.Entries)-1], true
}

// Previous returns the entry just before the newest one.
func (w HistoryWindow) Previous() (StateVector, bool) {
	if len(w.Entries) < 2 {
		return StateVector{}, false
	}
	return w.Entries[len(w.Entries)-2], true
}

// LastSeen returns the timestamp of the newest entry, or the zero time for an empty window.
func (w HistoryWindow) LastSeen() time.Time {
	if sv, ok := w.Latest(); ok {
		return sv.Timestamp
	}
	return time.Time{}
}

// Clone returns a deep copy of the entries slice.
func (w HistoryWindow) Clone() HistoryWindow {
	entries := make([]StateVector, len(w.Entries))
	copy(entries, w.Entries)
	return HistoryWindow{ICAO24: w.ICAO24, Entries: entries}
}
