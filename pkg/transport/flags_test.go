package transport

import "testing"

func TestFetchFlagString(t *testing.T) {
	cases := []struct {
		flags FetchFlag
		want  string
	}{
		{0, "none"},
		{FetchNewHead, "new-head"},
		{FetchTagUpdate | FetchForcedUpdate, "tag-update,forced"},
		{FetchRejected, "rejected"},
		{FetchError, "error"},
	}
	for _, tc := range cases {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("FetchFlag(%b).String() = %q, want %q", uint16(tc.flags), got, tc.want)
		}
	}
}

func TestPushFlagString(t *testing.T) {
	cases := []struct {
		flags PushFlag
		want  string
	}{
		{0, "none"},
		{PushNewTag, "new-tag"},
		{PushNoMatch | PushError, "no-match,error"},
		{PushRemoteFailure | PushError, "remote-failure,error"},
		{PushDeleted, "deleted"},
		{PushUpToDate, "up-to-date"},
	}
	for _, tc := range cases {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("PushFlag(%b).String() = %q, want %q", uint16(tc.flags), got, tc.want)
		}
	}
}
