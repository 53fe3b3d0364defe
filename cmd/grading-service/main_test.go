package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadQuestions(t *testing.T) {
	payload := `[{"id":"q1","prompt":"2+2?","student_answer":"4","correct_answer":"4"}]`

	t.Run("stdin", func(t *testing.T) {
		qs, err := readQuestions(bytes.NewBufferString(payload), "-")
		require.NoError(t, err)
		require.Len(t, qs, 1)
		assert.Equal(t, "q1", qs[0].ID)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "questions.json")
		require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))
		qs, err := readQuestions(nil, path)
		require.NoError(t, err)
		assert.Equal(t, "4", qs[0].Expected())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := readQuestions(bytes.NewBufferString("{"), "-")
		assert.Error(t, err)
	})
}

func TestGradeCommand(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("LOCAL_CLASSIFIER_URL", "")
	t.Setenv("REMOTE_API_KEY", "")

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(bytes.NewBufferString(`[
		{"id":"q1","prompt":"Capital of France?","student_answer":"paris","correct_answer":"Paris"},
		{"id":"q2","prompt":"Pick one","student_answer":"B","correct_answer":"C","question_type":"multiple_choice","points_possible":2}
	]`))
	cmd.SetArgs([]string{"grade", "--input", "-", "--local-classifier-url", ""})

	require.NoError(t, cmd.Execute())

	var result models.BatchGradingResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Len(t, result.Results, 2)
	assert.Equal(t, 100.0, result.Results[0].Score)
	assert.Equal(t, models.EngineRule, result.Results[1].Model)
	require.NotNil(t, result.Results[1].PointsEarned)
	assert.Equal(t, 0.0, *result.Results[1].PointsEarned)
}
