package collab

import (
	"errors"
	"strings"
	"testing"
)

func TestIdentifierValidation(t *testing.T) {
	testCases := []struct {
		name    string
		build   func(string) error
		input   string
		wantErr error
	}{
		{name: "board trims", build: func(raw string) error { _, err := NewBoardID(raw); return err }, input: "  b1  "},
		{name: "board empty", build: func(raw string) error { _, err := NewBoardID(raw); return err }, input: " ", wantErr: ErrInvalidBoardID},
		{name: "card too long", build: func(raw string) error { _, err := NewCardID(raw); return err }, input: strings.Repeat("c", 191), wantErr: ErrInvalidCardID},
		{name: "user valid", build: func(raw string) error { _, err := NewUserID(raw); return err }, input: "user-1"},
		{name: "connection empty", build: func(raw string) error { _, err := NewConnectionID(raw); return err }, input: "", wantErr: ErrInvalidConnectionID},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.build(testCase.input)
			if testCase.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}

	boardID, _ := NewBoardID("  b1  ")
	if boardID != "b1" {
		t.Fatalf("expected trimmed board id, got %q", boardID)
	}
}

func TestNewEntityKeyDefaultsToCard(t *testing.T) {
	key, err := NewEntityKey("", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != CardKey("c1") {
		t.Fatalf("expected card key, got %+v", key)
	}
	comment, err := NewEntityKey("Comment", "m1")
	if err != nil || comment.Type != EntityTypeComment {
		t.Fatalf("expected comment key, got %+v err=%v", comment, err)
	}
	if _, err := NewEntityKey("card", ""); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected invalid entity error, got %v", err)
	}
}

func TestMembershipIsSymmetric(t *testing.T) {
	membership := NewMembership()
	if !membership.add("conn-a", "b1") || membership.add("conn-a", "b1") {
		t.Fatalf("expected first add to be new and second to be idempotent")
	}
	membership.add("conn-a", "b2")
	membership.add("conn-b", "b1")

	if boards := membership.BoardsOf("conn-a"); len(boards) != 2 {
		t.Fatalf("expected two boards, got %v", boards)
	}
	membership.remove("conn-b", "b1")
	membership.remove("conn-a", "b1")
	if members := membership.Members("b1"); len(members) != 0 {
		t.Fatalf("expected b1 pruned, got %v", members)
	}
	if membership.IsMember("conn-a", "b1") {
		t.Fatalf("expected conn-a to have left b1")
	}
	if boards := membership.BoardsOf("conn-a"); len(boards) != 1 || boards[0] != "b2" {
		t.Fatalf("expected only b2, got %v", boards)
	}
}
