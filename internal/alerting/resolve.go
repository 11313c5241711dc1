package alerting

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// Корни, которые правило может указать в component. Любое другое имя — сервис.
const (
	RootSystem     = "system"
	RootHandshakes = "handshakes"
	RootEmail      = "email"
)

// document — снапшот в виде JSON-дерева, по которому ходят пути метрик
type document map[string]interface{}

func newDocument(snap domain.DashboardSnapshot) (document, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	// До первого тика сэмплера system — нулевое значение, а не измерение
	if snap.System.Timestamp.IsZero() {
		delete(doc, RootSystem)
	}
	return doc, nil
}

// lookup разрешает component + "cpu.usage"-подобный путь в число.
// Неразрешимый путь или нечисловое значение — (0, false): условие не выполнено.
func (d document) lookup(component, metric string) (float64, bool) {
	var node interface{}
	switch component {
	case RootSystem, RootHandshakes, RootEmail:
		node = d[component]
	default:
		services, _ := d["services"].(map[string]interface{})
		node = services[component]
	}

	for _, part := range strings.Split(metric, ".") {
		m, ok := node.(map[string]interface{})
		if !ok {
			return 0, false
		}
		if node, ok = m[part]; !ok {
			return 0, false
		}
	}

	switch v := node.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
