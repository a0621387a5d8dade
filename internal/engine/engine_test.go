package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/face-service/internal/engine"
	"github.com/example/face-service/internal/engine/enginetest"
	"github.com/example/face-service/internal/tensor"
)

var (
	faceInput  = tensor.Shape{N: 1, C: 3, H: 152, W: 152}
	faceOutput = tensor.Shape{N: 1, C: 1, H: 1, W: 1}
)

func TestReshapeResizesBatchForStackedImages(t *testing.T) {
	fake := enginetest.New(faceInput, faceOutput, nil)

	changed, err := engine.Reshape(fake, 3*152*152*2)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, tensor.Shape{N: 2, C: 3, H: 152, W: 152}, fake.InputShape())
	assert.Equal(t, tensor.Shape{N: 2, C: 1, H: 1, W: 1}, fake.OutputShape())
}

func TestReshapeIsIdempotent(t *testing.T) {
	fake := enginetest.New(faceInput, faceOutput, nil)

	_, err := engine.Reshape(fake, 3*152*152*2)
	require.NoError(t, err)
	changed, err := engine.Reshape(fake, 3*152*152*2)
	require.NoError(t, err)

	assert.False(t, changed)
	stats := fake.Stats()
	assert.Equal(t, 1, stats.ReshapeInput)
	assert.Equal(t, 1, stats.ReshapeOutput)
	assert.Equal(t, 3, fake.InputShape().C)
	assert.Equal(t, 152, fake.InputShape().H)
	assert.Equal(t, 152, fake.InputShape().W)
}

func TestReshapeMatchingBatchIsNoop(t *testing.T) {
	fake := enginetest.New(faceInput, faceOutput, nil)

	changed, err := engine.Reshape(fake, 3*152*152)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, fake.Stats().ReshapeInput)
}

func TestReshapeRejectsPartialSamples(t *testing.T) {
	cases := map[string]int{
		"not divisible": 3*152*152 + 7,
		"zero":          0,
		"negative":      -3 * 152 * 152,
		"smaller":       3 * 100 * 100,
	}
	for name, total := range cases {
		t.Run(name, func(t *testing.T) {
			fake := enginetest.New(faceInput, faceOutput, nil)

			changed, err := engine.Reshape(fake, total)
			require.Error(t, err)
			assert.False(t, changed)
			assert.True(t, errors.Is(err, engine.ErrShapeMismatch))

			var mismatch *engine.ShapeMismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.Equal(t, total, mismatch.Elements)

			assert.Equal(t, faceInput, fake.InputShape(), "engine must not be mutated")
			assert.Zero(t, fake.Stats().ReshapeInput)
		})
	}
}

func TestReshapeShrinksBackToOne(t *testing.T) {
	fake := enginetest.New(faceInput.WithBatch(4), faceOutput.WithBatch(4), nil)

	changed, err := engine.Reshape(fake, faceInput.Count())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, faceInput, fake.InputShape())
	assert.Equal(t, faceOutput, fake.OutputShape())
}

func TestReshapeRestoresInputWhenOutputFails(t *testing.T) {
	fake := enginetest.New(faceInput, faceOutput, nil)
	fake.ReshapeOutputErr = errors.New("alloc failed")

	changed, err := engine.Reshape(fake, 3*152*152*2)
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, faceInput, fake.InputShape())
	assert.Equal(t, faceOutput, fake.OutputShape())

	fake.ReshapeOutputErr = nil
	changed, err = engine.Reshape(fake, 3*152*152*2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, fake.InputShape().N)
	assert.Equal(t, 2, fake.OutputShape().N)
}

func TestReshapeRepairsOutputLeftBehind(t *testing.T) {
	fake := enginetest.New(faceInput, faceOutput, nil)
	require.NoError(t, fake.ReshapeInput(faceInput.WithBatch(2)))

	changed, err := engine.Reshape(fake, 3*152*152*2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, fake.OutputShape().N)
	assert.Equal(t, 1, fake.Stats().ReshapeInput, "input already matched")
}
