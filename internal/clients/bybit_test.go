package clients

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBybitOrderStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		avgPrice   string
		cumQty     string
		cumFee     string
		reject     string
		done       bool
		filled     string
		failReason string
	}{
		{
			name:   "filled",
			status: "Filled", avgPrice: "102.5", cumQty: "2", cumFee: "0.1",
			done: true, filled: "2",
		},
		{
			name:   "cancelled unfilled",
			status: "Cancelled", cumQty: "0",
			done: true, filled: "0", failReason: "order cancelled",
		},
		{
			name:   "rejected with venue reason",
			status: "Rejected", cumQty: "0", reject: "EC_too_small",
			done: true, filled: "0", failReason: "EC_too_small",
		},
		{
			name:   "partial fill survives the cancel",
			status: "PartiallyFilledCanceled", avgPrice: "100", cumQty: "0.5",
			done: true, filled: "0.5",
		},
		{
			name:   "still working",
			status: "New", cumQty: "0",
			done: false, filled: "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := bybitOrderStatus(tt.status, tt.avgPrice, tt.cumQty, tt.cumFee, tt.reject)
			require.NoError(t, err)

			assert.Equal(t, tt.done, st.Done)
			assert.Equal(t, tt.filled, st.Filled.String())
			assert.Equal(t, tt.failReason, st.FailReason)
		})
	}
}

func TestBybitOrderStatus_FilledCarriesPriceAndFee(t *testing.T) {
	st, err := bybitOrderStatus("Filled", "3150.4", "1.2", "0.0012", "")
	require.NoError(t, err)

	assert.Equal(t, "3150.4", st.Price.String())
	assert.Equal(t, "0.0012", st.Fee.String())
}

func TestBybitOrderStatus_BadNumbers(t *testing.T) {
	_, err := bybitOrderStatus("Filled", "not-a-price", "1", "", "")
	require.Error(t, err)

	_, err = bybitOrderStatus("Filled", "100", "not-a-qty", "", "")
	require.Error(t, err)
}
