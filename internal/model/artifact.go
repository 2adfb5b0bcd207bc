package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact 是可部署的模型制品：集成 + 校准器 + 判定阈值。
// 序列化为 JSON，注册后不可变。
type Artifact struct {
	Symbol       string      `json:"symbol"`
	Timeframe    string      `json:"timeframe"`
	FeatureNames []string    `json:"feature_names"`
	Ensemble     *Ensemble   `json:"ensemble"`
	Calibrator   *Calibrator `json:"calibrator"`
	Threshold    float64     `json:"threshold"`
	TrainedAt    time.Time   `json:"trained_at"`
}

// Predict 对单个特征向量给出方向 + 置信度。
func (a *Artifact) Predict(row []float64) (Prediction, error) {
	if a.Ensemble == nil {
		return Prediction{}, fmt.Errorf("artifact 缺少 ensemble")
	}
	if len(row) != len(a.FeatureNames) {
		return Prediction{}, fmt.Errorf("特征宽度不匹配: 期望 %d 实际 %d", len(a.FeatureNames), len(row))
	}
	raw := a.Ensemble.PredictProba(row)
	return a.Calibrator.Resolve(raw), nil
}

// Encode 序列化制品。
func (a *Artifact) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeArtifact 反序列化制品。
func DecodeArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("解析模型制品失败: %w", err)
	}
	if a.Ensemble == nil || len(a.FeatureNames) == 0 {
		return nil, fmt.Errorf("模型制品不完整")
	}
	return &a, nil
}

// ArtifactStore 抽象制品存取。
type ArtifactStore interface {
	Save(ctx context.Context, a *Artifact) (string, error)
	Load(ctx context.Context, id string) (*Artifact, error)
}

// FileArtifactStore 把制品以 JSON 文件落盘（id 即文件名）。
type FileArtifactStore struct {
	root string
}

func NewFileArtifactStore(root string) (*FileArtifactStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileArtifactStore{root: root}, nil
}

func (s *FileArtifactStore) Save(ctx context.Context, a *Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := a.Encode()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return id, nil
}

func (s *FileArtifactStore) Load(ctx context.Context, id string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, "/\\") {
		return nil, fmt.Errorf("artifact id 非法: %q", id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("读取模型制品失败: %w", err)
	}
	return DecodeArtifact(data)
}

func (s *FileArtifactStore) path(id string) string {
	return filepath.Join(s.root, id+".json")
}
