package workflow

import (
	"fmt"

	"github.com/begmaroman/go-dag"
)

// stepVertex 步骤图中的节点（实现 go-dag 的 ID 接口）
type stepVertex struct {
	id string
}

func (v *stepVertex) ID() string {
	return v.id
}

// Transitions 返回每个步骤可能到达的后继步骤ID
// 普通步骤只有按 order 的下一步；条件步骤有真/假两个分支。
func (w *Workflow) Transitions() (map[string][]string, error) {
	actions := w.SortedActions()
	edges := make(map[string][]string, len(actions))
	for i, a := range actions {
		var next string
		if i+1 < len(actions) {
			next = actions[i+1].ID
		}
		cfg, ok := a.Config.(ConditionalConfig)
		if !ok {
			if next != "" {
				edges[a.ID] = []string{next}
			}
			continue
		}
		seen := map[string]bool{}
		for _, target := range []string{cfg.TrueStep, cfg.FalseStep} {
			dst, err := w.Successor(a.ID, target)
			if err != nil {
				return nil, fmt.Errorf("条件步骤 %s: %w", a.ID, err)
			}
			if dst == nil || seen[dst.ID] {
				continue
			}
			if dst.ID == a.ID {
				return nil, fmt.Errorf("条件步骤 %s 不能跳转到自身", a.ID)
			}
			seen[dst.ID] = true
			edges[a.ID] = append(edges[a.ID], dst.ID)
		}
	}
	return edges, nil
}

// validateGraph 用 DAG 检查步骤跳转不会回到已执行过的步骤
func validateGraph(w *Workflow) error {
	edges, err := w.Transitions()
	if err != nil {
		return err
	}
	d := dag.NewDAG[*stepVertex]()
	for _, a := range w.Actions {
		if _, err := d.AddVertex(&stepVertex{id: a.ID}); err != nil {
			return fmt.Errorf("添加步骤节点失败: %s: %w", a.ID, err)
		}
	}
	for _, a := range w.SortedActions() {
		for _, dst := range edges[a.ID] {
			if err := d.AddEdge(a.ID, dst); err != nil {
				return fmt.Errorf("步骤跳转 %s -> %s 形成循环: %w", a.ID, dst, err)
			}
		}
	}
	return nil
}
