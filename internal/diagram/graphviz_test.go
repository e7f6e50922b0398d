package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(surveyGraph(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)

	// PNG magic bytes: 0x89 P N G.
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageSVGWithStatus(t *testing.T) {
	overlay := Overlay{
		"start": {Status: StatusVisited, Visits: 1},
		"ask":   {Status: StatusCurrent},
		"crm":   {Status: StatusFailed},
	}
	model, err := Build(surveyGraph(), overlay)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	out := string(svg)
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, "#b7791a")
	assert.Contains(t, out, "timeout")
}

func TestRenderImageUnsupportedFormat(t *testing.T) {
	model, err := Build(surveyGraph(), nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	assert.ErrorContains(t, err, `"gif"`)
}
