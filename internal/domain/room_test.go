package domain

import "testing"

func participant(id ConnectionID) Participant {
	u, _ := NewUser("user-" + string(id))
	return Participant{User: u, ConnectionID: id}
}

func TestRoomRosterOrder(t *testing.T) {
	r := NewRoom("k", "board", "")
	for _, id := range []ConnectionID{"c1", "c2", "c3"} {
		if !r.AddParticipant(participant(id)) {
			t.Fatalf("add %s reported no change", id)
		}
	}
	if r.Seq != 3 {
		t.Fatalf("seq %d after three joins, want 3", r.Seq)
	}

	if r.AddParticipant(participant("c2")) {
		t.Fatalf("duplicate connection changed the room")
	}
	if r.Seq != 3 {
		t.Fatalf("duplicate join bumped seq to %d", r.Seq)
	}

	if !r.RemoveParticipant("c2") {
		t.Fatalf("remove c2 reported no change")
	}
	if r.RemoveParticipant("c2") {
		t.Fatalf("second remove changed the room")
	}
	if got := r.IndexOf("c3"); got != 1 {
		t.Fatalf("c3 at index %d after removal, want 1", got)
	}
	if r.Seq != 4 {
		t.Fatalf("seq %d after removal, want 4", r.Seq)
	}
}

func TestRoomCloneIsolation(t *testing.T) {
	r := NewRoom("k", "board", "")
	r.AddParticipant(participant("c1"))

	cp := r.Clone()
	cp.Participants[0].ConnectionID = "tampered"
	cp.Participants = append(cp.Participants, participant("c2"))

	if r.Participants[0].ConnectionID != "c1" {
		t.Fatalf("clone mutation reached the original")
	}
	if len(r.Participants) != 1 {
		t.Fatalf("clone append reached the original")
	}
}

func TestRoomDefaultsNameToKey(t *testing.T) {
	r := NewRoom("shared-key", "", "")
	if r.Name != "shared-key" {
		t.Fatalf("name %q, want the key", r.Name)
	}
}

func TestNewUserValidation(t *testing.T) {
	if _, err := NewUser(""); err != ErrUsernameEmpty {
		t.Fatalf("empty username: %v", err)
	}
	long := make([]byte, MaxUsernameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewUser(string(long)); err != ErrUsernameTooLong {
		t.Fatalf("oversized username: %v", err)
	}
	u, err := NewUser("alice")
	if err != nil {
		t.Fatalf("valid username: %v", err)
	}
	if u.ID == "" || u.Key == "" || u.ID == UserID(u.Key) {
		t.Fatalf("user ids not minted: %+v", u)
	}
}
