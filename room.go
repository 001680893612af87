package main

// User is a single room participant. The ID is supplied by the client
// and stays stable across reconnects; the transport connection does not.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PlayerType string `json:"playerType"`
	IsHost     bool   `json:"isHost"`
}

// Vote is the wire-side view of one participant's estimate. While the
// room is unrevealed only HasVoted is populated, so a snapshot can
// never leak another participant's value, zero included.
type Vote struct {
	HasVoted bool     `json:"hasVoted"`
	Value    *float64 `json:"value,omitempty"`
}

// RoomState is the snapshot sent to clients in room-state messages.
type RoomState struct {
	ID         string          `json:"id"`
	Users      []User          `json:"users"`
	Votes      map[string]Vote `json:"votes"`
	IsRevealed bool            `json:"isRevealed"`
	HostID     string          `json:"hostId"`
}

// Room holds the authoritative state of one estimation session. Users
// keeps join order, which the client renders as-is. A nil vote means
// "not voted yet". Mutators never lock; the owning hub serializes all
// access, including reads taken for snapshots.
type Room struct {
	ID         string
	Users      []*User
	Votes      map[string]*float64
	IsRevealed bool
	HostID     string
}

func newRoom(id string) *Room {
	return &Room{
		ID:    id,
		Votes: make(map[string]*float64),
	}
}

func (r *Room) userByID(userID string) *User {
	for _, u := range r.Users {
		if u.ID == userID {
			return u
		}
	}
	return nil
}

// AttachUser adds userID to the room, or refreshes name and playerType
// in place when the user is already a member (the rejoin case, which
// leaves their vote and host status untouched). The first user to
// attach becomes host. Reports whether this was a rejoin.
func (r *Room) AttachUser(userID, name, playerType string) (*User, bool) {
	if existing := r.userByID(userID); existing != nil {
		existing.Name = name
		existing.PlayerType = playerType
		return existing, true
	}

	user := &User{
		ID:         userID,
		Name:       name,
		PlayerType: playerType,
	}

	if len(r.Users) == 0 {
		user.IsHost = true
		r.HostID = userID
	}

	r.Users = append(r.Users, user)
	r.Votes[userID] = nil

	return user, false
}

// RecordVote stores a vote (nil clears it). Votes are rejected while
// the room is revealed and for users that are not members. Returns
// whether the vote was applied, and whether the new value is non-empty.
func (r *Room) RecordVote(userID string, value *float64) (bool, bool) {
	if r.IsRevealed || r.userByID(userID) == nil {
		return false, false
	}

	r.Votes[userID] = value

	return true, value != nil
}

// Reveal makes all votes visible. Any participant may reveal, and
// revealing twice is harmless; the current votes come back either way.
func (r *Room) Reveal() map[string]*float64 {
	r.IsRevealed = true

	return r.copyVotes()
}

// Reset starts a new round: every vote is cleared and the room returns
// to hidden. Only the host may reset.
func (r *Room) Reset(requesterID string) bool {
	if requesterID != r.HostID {
		return false
	}

	r.IsRevealed = false
	for userID := range r.Votes {
		r.Votes[userID] = nil
	}

	return true
}

// DetachUser removes userID and their vote. When the departing user
// was host and others remain, the earliest remaining joiner inherits
// the role. Returns whether a member was actually removed, plus the
// new host's id if the role moved. The caller deletes the room once
// Users empties.
func (r *Room) DetachUser(userID string) (bool, string) {
	dst := r.Users[:0]
	removed := false

	for _, u := range r.Users {
		if u.ID == userID {
			removed = true
			continue
		}
		dst = append(dst, u)
	}
	r.Users = dst

	if !removed {
		return false, ""
	}

	delete(r.Votes, userID)

	if len(r.Users) == 0 {
		r.HostID = ""
		return true, ""
	}

	if r.HostID == userID {
		r.HostID = r.Users[0].ID
		r.Users[0].IsHost = true
		return true, r.HostID
	}

	return true, ""
}

// Snapshot returns a detached copy of the room that is safe to hand to
// a writer goroutine and safe to show any participant: until the room
// is revealed, vote values are projected down to a has-voted flag.
func (r *Room) Snapshot() RoomState {
	users := make([]User, len(r.Users))
	for i, u := range r.Users {
		users[i] = *u
	}

	votes := make(map[string]Vote, len(r.Votes))
	for userID, value := range r.Votes {
		vote := Vote{HasVoted: value != nil}
		if r.IsRevealed && value != nil {
			v := *value
			vote.Value = &v
		}
		votes[userID] = vote
	}

	return RoomState{
		ID:         r.ID,
		Users:      users,
		Votes:      votes,
		IsRevealed: r.IsRevealed,
		HostID:     r.HostID,
	}
}

func (r *Room) copyVotes() map[string]*float64 {
	votes := make(map[string]*float64, len(r.Votes))
	for userID, value := range r.Votes {
		if value == nil {
			votes[userID] = nil
			continue
		}
		v := *value
		votes[userID] = &v
	}
	return votes
}
