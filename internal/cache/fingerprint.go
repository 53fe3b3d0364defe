package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/SAP-F-2025/grading-service/internal/grading"
	"github.com/SAP-F-2025/grading-service/internal/models"
)

// Fingerprint is the content address of a question's verdict. Skill tags are lowercased and
// sorted so tag order never changes the key; metadata and prompt are not part of it.
func Fingerprint(q models.QuestionInput) string {
	tags := make([]string, 0, len(q.SkillTags))
	for _, tag := range q.SkillTags {
		tags = append(tags, strings.ToLower(strings.TrimSpace(tag)))
	}
	sort.Strings(tags)

	h := sha256.New()
	h.Write([]byte(q.ID))
	h.Write([]byte{'|'})
	h.Write([]byte(grading.Normalize(q.StudentAnswer)))
	h.Write([]byte{'|'})
	h.Write([]byte(grading.Normalize(q.Expected())))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(tags, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
