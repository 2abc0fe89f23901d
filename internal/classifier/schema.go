package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// verdict はモデル応答を正規化した内部表現。
type verdict struct {
	Relevance      float64
	IsPersonal     bool
	IsCiteable     bool
	IsBreakingNews bool
	Translation    string
	Paraphrase     string
	Citation       string
	Summary        string
}

// fieldNames は応答JSONのフィールド名の組。
type fieldNames struct {
	relevance, isPersonal, isCiteable, isBreakingNews string
	translation, paraphrase, citation, summary        string
}

// fieldSets は過去に使われたフィールド名の組。relevanceキーが存在する最初の組を使う。
var fieldSets = []fieldNames{
	{
		relevance: "relevance", isPersonal: "is_personal", isCiteable: "is_citeable", isBreakingNews: "is_breaking_news",
		translation: "translation", paraphrase: "paraphrase", citation: "citation", summary: "summary",
	},
	{
		relevance: "relevancia", isPersonal: "es_personal", isCiteable: "es_citable", isBreakingNews: "es_noticia_urgente",
		translation: "traduccion", paraphrase: "parafrasis", citation: "cita", summary: "resumen",
	},
}

var errMissingRelevance = errors.New("response has no relevance field")

// parseVerdict はモデル応答からJSONオブジェクトを取り出して正規化する。
// コードフェンスや前後の説明文は無視する。
func parseVerdict(raw string) (*verdict, error) {
	body := extractJSONObject(raw)
	if body == "" {
		return nil, fmt.Errorf("response contains no JSON object: %q", preview(raw))
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("decode response JSON: %w", err)
	}

	for _, names := range fieldSets {
		rel, ok := fields[names.relevance]
		if !ok {
			continue
		}
		score, err := toFloat(rel)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", names.relevance, err)
		}
		return &verdict{
			Relevance:      score,
			IsPersonal:     toBool(fields[names.isPersonal]),
			IsCiteable:     toBool(fields[names.isCiteable]),
			IsBreakingNews: toBool(fields[names.isBreakingNews]),
			Translation:    toString(fields[names.translation]),
			Paraphrase:     toString(fields[names.paraphrase]),
			Citation:       toString(fields[names.citation]),
			Summary:        toString(fields[names.summary]),
		}, nil
	}
	return nil, errMissingRelevance
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case nil:
		return 0, errors.New("null")
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "1", "sí", "si":
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return s
}
