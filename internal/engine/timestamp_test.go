package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "rfc2822", input: "Tue, 1 Jul 2003 10:52:37 +0200", want: 1057049557},
		{name: "rfc2822 without weekday", input: "1 Jul 2003 10:52:37 +0200", want: 1057049557},
		{name: "rfc1123 GMT", input: "Thu, 01 Jan 1970 00:16:40 GMT", want: 1000},
		{name: "rfc850", input: "Thursday, 01-Jan-70 00:16:40 GMT", want: 1000},
		{name: "ansi c", input: "Thu Jan  1 00:33:20 1970", want: 2000},
		{name: "unix seconds", input: "1000", want: 1000},
		{name: "surrounding space", input: "  2000\n", want: 2000},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "yesterday", wantErr: true},
		{name: "negative", input: "-5", wantErr: true},
		{name: "zero", input: "0", wantErr: true},
		{name: "epoch date", input: "Thu, 01 Jan 1970 00:00:00 GMT", wantErr: true},
		{name: "overflow", input: "99999999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTimestamp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
