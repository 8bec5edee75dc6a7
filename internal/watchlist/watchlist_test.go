package watchlist

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/portpeek/internal/models"
)

func TestParse(t *testing.T) {
	for name, tc := range map[string]struct {
		input string
		want  []int
		bad   string
		empty bool
	}{
		"comma separated":  {input: "3000, 8080,5432", want: []int{3000, 8080, 5432}},
		"one per line":     {input: "3000\n8080\r\n5432\n", want: []int{3000, 8080, 5432}},
		"tabs and dupes":   {input: "8080\t3000 8080", want: []int{8080, 3000}},
		"bounds":           {input: "1,65535", want: []int{1, 65535}},
		"zero":             {input: "0", bad: "0"},
		"too large":        {input: "3000,65536", bad: "65536"},
		"not a number":     {input: "3000,http", bad: "http"},
		"negative":         {input: "-1", bad: "-1"},
		"only separators":  {input: " ,\n\t", empty: true},
		"empty input text": {input: "", empty: true},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.input)
			switch {
			case tc.empty:
				assert.ErrorIs(t, err, ErrEmpty)
			case tc.bad != "":
				var invalid *InvalidPortError
				require.True(t, errors.As(err, &invalid), "err = %v", err)
				assert.Equal(t, tc.bad, invalid.Input)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	got, err := Validate([]int{5432, 3000, 5432})
	require.NoError(t, err)
	assert.Equal(t, []int{5432, 3000}, got)

	_, err = Validate([]int{3000, 70000})
	assert.Error(t, err)

	_, err = Validate(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []int{22, 3000, 8080}, Normalize([]int{8080, 3000, 0, 8080, 22, 70000}))
	assert.Empty(t, Normalize(nil))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "3000,8080", Format([]int{3000, 8080}))
	assert.Equal(t, "", Format(nil))
}

func TestValidatePreferences(t *testing.T) {
	prefs := models.Preferences{WatchedPorts: []int{8080, 8080, 3000}, RefreshInterval: 10 * time.Second}
	got, err := ValidatePreferences(prefs)
	require.NoError(t, err)
	assert.Equal(t, []int{8080, 3000}, got.WatchedPorts)

	_, err = ValidatePreferences(models.Preferences{WatchedPorts: []int{80}, RefreshInterval: 500 * time.Millisecond})
	assert.ErrorIs(t, err, ErrIntervalTooShort)
	assert.True(t, IsValidationError(err))

	_, err = ValidatePreferences(models.Preferences{WatchedPorts: []int{0}, RefreshInterval: time.Minute})
	assert.True(t, IsValidationError(err))

	assert.False(t, IsValidationError(errors.New("disk full")))
}
