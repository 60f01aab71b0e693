package calib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_Validate(t *testing.T) {
	tests := []struct {
		name    string
		res     Result
		wantErr bool
	}{
		{
			name:    "all unsupported is fatal",
			res:     Result{},
			wantErr: true,
		},
		{
			name: "direct func IP read is enough",
			res:  Result{HasGetFuncIP: true},
		},
		{
			name: "nonzero IP offset is enough",
			res:  Result{KretIPOffset: 16},
		},
		{
			name: "other flags alone do not help",
			res: Result{
				HasBpfCookie:     true,
				HasKprobeMulti:   true,
				HasFexitSleepFix: true,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoIPExtraction)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestResult_Fields(t *testing.T) {
	res := Result{KretIPOffset: 8, HasKprobeMulti: true}

	fields := res.Fields()
	assert.Equal(t, int32(8), fields["kret_ip_off"])
	assert.Equal(t, true, fields["kprobe_multi"])
	assert.Equal(t, false, fields["bpf_cookie"])
	assert.Len(t, fields, 6)
}
