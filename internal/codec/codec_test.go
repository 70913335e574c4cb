package codec

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var families = []Family{FamilyInfo, FamilyStatus, FamilyShowcase, Family(200)}

func TestPack_RoundTrip(t *testing.T) {
	subs := []SubElement{Root, 0, 1, 2, 17, MaxSubElement}
	for _, f := range families {
		for slot := 0; slot <= MaxSlot; slot++ {
			for _, sub := range subs {
				id, err := Pack(f, slot, sub)
				require.NoError(t, err)
				require.Greater(t, id, 0)
				require.LessOrEqual(t, id, math.MaxInt32)

				require.Equal(t, f, UnpackFamily(id))
				require.Equal(t, slot, UnpackSlot(id))
				require.Equal(t, sub, UnpackSubElement(id))
				require.Equal(t, CurrentVersion, UnpackVersion(id))

				got, err := Unpack(id)
				require.NoError(t, err)
				require.Equal(t, ID{Version: CurrentVersion, Family: f, Slot: slot, Sub: sub}, got)
			}
		}
	}
}

func TestPackRoot_IsRoot(t *testing.T) {
	id, err := PackRoot(FamilyStatus, 3)
	require.NoError(t, err)
	got, err := Unpack(id)
	require.NoError(t, err)
	require.True(t, got.IsRoot())
	require.Equal(t, 3, got.Slot)
}

func TestPack_NoCollisionsWithinMessage(t *testing.T) {
	seen := make(map[int]ID)
	for _, f := range families {
		for slot := 0; slot < 8; slot++ {
			for sub := Root; sub < 40; sub++ {
				id := MustPack(f, slot, sub)
				want := ID{Version: CurrentVersion, Family: f, Slot: slot, Sub: sub}
				if prev, dup := seen[id]; dup {
					t.Fatalf("id %d produced by %+v and %+v", id, prev, want)
				}
				seen[id] = want
			}
		}
	}
}

func TestPack_OutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		version int
		family  Family
		slot    int
		sub     SubElement
	}{
		{"slot too large", CurrentVersion, FamilyInfo, MaxSlot + 1, Root},
		{"negative slot", CurrentVersion, FamilyInfo, -1, Root},
		{"sub too large", CurrentVersion, FamilyInfo, 0, MaxSubElement + 1},
		{"sub below root", CurrentVersion, FamilyInfo, 0, -2},
		{"reserved family", CurrentVersion, 0, 0, Root},
		{"version zero", 0, FamilyInfo, 0, Root},
		{"version too large", MaxVersion + 1, FamilyInfo, 0, Root},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PackVersion(tt.version, tt.family, tt.slot, tt.sub)
			require.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestUnpack_Invalid(t *testing.T) {
	for _, id := range []int{0, -5, 1 << 30, 1 << 16, 1 << 24} {
		_, err := Unpack(id)
		require.ErrorIs(t, err, ErrInvalidID, "id %d", id)
	}
}

func TestPackVersion_Preserved(t *testing.T) {
	id, err := PackVersion(MaxVersion, FamilyShowcase, 2, 5)
	require.NoError(t, err)
	require.Equal(t, MaxVersion, UnpackVersion(id))
	require.Equal(t, SubElement(5), UnpackSubElement(id))
}

func TestActionID_RoundTrip(t *testing.T) {
	payloads := []Payload{
		{},
		IntPayload(0),
		IntPayload(-42),
		IntPayload(math.MaxInt64),
		StringPayload("plot-12"),
		StringPayload(""),
	}
	ids := []uint64{0, 1, 175928847299117063, math.MaxUint64}
	for _, p := range payloads {
		for _, e := range ids {
			for _, u := range ids {
				s, err := NewActionID("archive_confirm", e, u, p)
				require.NoError(t, err)
				require.LessOrEqual(t, len(s), MaxActionIDLen)

				got, err := ParseActionID(s)
				require.NoError(t, err)
				require.Equal(t, Action{Type: "archive_confirm", EventID: e, UserID: u, Payload: p}, got)
			}
		}
	}
}

func TestActionID_NumericAndStringKindsStayDistinct(t *testing.T) {
	num, err := NewActionID("x", 1, 2, IntPayload(7))
	require.NoError(t, err)
	str, err := NewActionID("x", 1, 2, StringPayload("7"))
	require.NoError(t, err)
	require.NotEqual(t, num, str)

	a, err := ParseActionID(str)
	require.NoError(t, err)
	require.Equal(t, PayloadString, a.Payload.Kind)
}

func TestNewActionID_TooLong(t *testing.T) {
	_, err := NewActionID("t", math.MaxUint64, math.MaxUint64, StringPayload(strings.Repeat("a", 60)))
	require.ErrorIs(t, err, ErrTooLong)

	_, err = NewActionID(strings.Repeat("t", MaxActionIDLen), 1, 1, Payload{})
	require.ErrorIs(t, err, ErrTooLong)
}

func TestNewActionID_InvalidTokens(t *testing.T) {
	_, err := NewActionID("", 1, 1, Payload{})
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = NewActionID("a/b", 1, 1, Payload{})
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = NewActionID("ok", 1, 1, StringPayload("bad/slash"))
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = NewActionID("ok", 1, 1, StringPayload("naïve"))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseActionID_Errors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"otherbot/x/1/2", ErrNotOwned},
		{"", ErrNotOwned},
		{"plotsync/x/1", ErrMalformed},
		{"plotsync/x/1/2/n3/extra", ErrMalformed},
		{"plotsync//1/2", ErrMalformed},
		{"plotsync/x/abc/2", ErrMalformed},
		{"plotsync/x/1/-2", ErrMalformed},
		{"plotsync/x/+1/2", ErrMalformed},
		{"plotsync/x/18446744073709551616/2", ErrMalformed},
		{"plotsync/x/1/2/q9", ErrMalformed},
		{"plotsync/x/1/2/nine", ErrMalformed},
		{"plotsync/x/1/2/", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseActionID(tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ParseActionID(%q) err = %v, want %v", tt.in, err, tt.want)
			}
		})
	}
}
