package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

const testDoc = `{
  "chat": {
    "providers": {
      "openai": {
        "models": {
          "gpt-4o": {
            "category": "large", "contextWindow": 128000,
            "supportsTools": true, "supportsStreaming": true, "supportsJsonMode": true,
            "pricing": {"inputPer1M": 2.5, "outputPer1M": 10},
            "available": true
          },
          "_deprecated_gpt-4-turbo": {
            "category": "large", "contextWindow": 128000,
            "supportsTools": true, "supportsStreaming": true, "supportsJsonMode": true,
            "available": true
          },
          "gpt-unreleased": {
            "category": "large", "contextWindow": 128000,
            "supportsTools": true, "supportsStreaming": true, "supportsJsonMode": true,
            "available": false
          }
        }
      },
      "gemini": {
        "models": {
          "gemini-2.0-flash": {
            "category": "medium", "contextWindow": 1000000,
            "supportsTools": true, "supportsStreaming": true, "supportsJsonMode": true,
            "pricing": {"inputPer1M": 0, "outputPer1M": 0},
            "available": true
          }
        }
      }
    }
  }
}`

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(testDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := Load(path, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func TestLoadDropsDeprecatedAndUnavailable(t *testing.T) {
	cat := loadTestCatalog(t)

	models := cat.ListModels(Filter{})
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2 (deprecated and unavailable dropped)", len(models))
	}
	for _, m := range models {
		if m.ModelID == "gpt-4-turbo" || m.ModelID == "gpt-unreleased" {
			t.Fatalf("model %s should not be selectable", m.ModelID)
		}
	}
}

func TestDeprecatedPrefixFoldsIntoFlag(t *testing.T) {
	cat := loadTestCatalog(t)

	// The prefixed key is normalized and then dropped for being deprecated;
	// it must not appear under either name.
	if _, ok := cat.GetModel("openai", "_deprecated_gpt-4-turbo"); ok {
		t.Fatal("prefixed key leaked through normalization")
	}
	if _, ok := cat.GetModel("openai", "gpt-4-turbo"); ok {
		t.Fatal("deprecated model is selectable")
	}
}

func TestListModelsFilter(t *testing.T) {
	cat := loadTestCatalog(t)

	large := cat.ListModels(Filter{MinCategory: CategoryLarge})
	if len(large) != 1 || large[0].ModelID != "gpt-4o" {
		t.Fatalf("MinCategory large = %v", large)
	}

	wide := cat.ListModels(Filter{MinContextWindow: 500000})
	if len(wide) != 1 || wide[0].ModelID != "gemini-2.0-flash" {
		t.Fatalf("MinContextWindow filter = %v", wide)
	}

	byProvider := cat.ListModels(Filter{ProviderType: "openai"})
	if len(byProvider) != 1 {
		t.Fatalf("provider filter returned %d models", len(byProvider))
	}
}

func TestListModelsStableOrder(t *testing.T) {
	cat := loadTestCatalog(t)

	a := cat.ListModels(Filter{})
	b := cat.ListModels(Filter{})
	for i := range a {
		if a[i].Key() != b[i].Key() {
			t.Fatal("ListModels order is not stable")
		}
	}
	for i := 1; i < len(a); i++ {
		if a[i-1].Key() >= a[i].Key() {
			t.Fatalf("models not sorted: %s before %s", a[i-1].Key(), a[i].Key())
		}
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	cat := loadTestCatalog(t)

	doc := cat.Document()
	if len(doc.Chat.Providers) != 2 {
		t.Fatalf("round-trip lost providers: %d", len(doc.Chat.Providers))
	}
	if _, ok := doc.Chat.Providers["openai"].Models["gpt-4o"]; !ok {
		t.Fatal("round-trip lost gpt-4o")
	}
	// Dropped entries stay dropped.
	if _, ok := doc.Chat.Providers["openai"].Models["gpt-4-turbo"]; ok {
		t.Fatal("round-trip resurrected a deprecated model")
	}
}

func TestReloadKeepsSnapshotOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(testDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := Load(path, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("{ not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cat.Reload(); err == nil {
		t.Fatal("reload of corrupt document should fail")
	}
	if got := len(cat.ListModels(Filter{})); got != 2 {
		t.Fatalf("snapshot changed after failed reload: %d models", got)
	}
}

func TestCategoryRankOrdering(t *testing.T) {
	order := []Category{CategorySmall, CategoryMedium, CategoryLarge, CategoryReasoning}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if Category("bogus").Rank() != -1 {
		t.Fatal("unknown category must rank below all real tiers")
	}
}
