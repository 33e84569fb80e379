package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// definitionFile 工作流定义文件，支持单个或多个工作流
type definitionFile struct {
	Workflows []*Workflow `yaml:"workflows"`
}

// ParseDefinition 解析YAML定义，缺省状态为 draft，缺省步骤ID按 order 生成
func ParseDefinition(data []byte) ([]*Workflow, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析工作流定义失败: %w", err)
	}
	list := file.Workflows
	if len(list) == 0 {
		var single Workflow
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("解析工作流定义失败: %w", err)
		}
		if single.Name == "" {
			return nil, fmt.Errorf("定义中没有工作流")
		}
		list = []*Workflow{&single}
	}
	for _, wf := range list {
		if wf.Status == "" {
			wf.Status = StatusDraft
		}
		wf.EnsureIDs()
	}
	return list, nil
}

// LoadDefinitionFile 从文件加载工作流定义
func LoadDefinitionFile(path string) ([]*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工作流定义文件失败: %w", err)
	}
	return ParseDefinition(data)
}
