package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"ai-trader/internal/config"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client 封装决策模型调用逻辑。
// 单轮输出非法时在 MaxSteps 预算内带着纠错提示重新请求。
type Client struct {
	cfg    config.OracleConfig
	logger *zap.Logger
	sdk    chatClient
}

// NewClient 使用给定配置创建决策客户端。
func NewClient(cfg config.OracleConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("oracle api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Decide 根据上下文快照获取模型决策。
// 整个交互受 Timeout 约束，超时返回 ErrTimeout；
// 交互轮次耗尽仍无合法决策时返回 ErrInvalidDecision。
func (c *Client) Decide(ctx context.Context, model string, snap Snapshot) (Decision, error) {
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return Decision{}, errors.New("oracle model 不能为空")
	}

	prompt, err := BuildPrompt(snap)
	if err != nil {
		return Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		},
	}

	var lastErr error
	for step := 1; step <= c.cfg.MaxSteps; step++ {
		response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: 0,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Decision{}, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			c.logger.Error("调用决策模型失败", zap.Error(err))
			return Decision{}, fmt.Errorf("调用决策模型失败: %w", err)
		}

		if len(response.Choices) == 0 {
			lastErr = errors.New("模型返回结果为空")
		} else {
			rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
			decision, parseErr := parseDecision(rawContent)
			if parseErr == nil {
				decision = decision.Normalize()
				if validateErr := decision.Validate(); validateErr == nil {
					c.logger.Info("模型决策生成成功",
						zap.String("agent_id", snap.AgentID),
						zap.String("action", decision.Action),
						zap.String("symbol", decision.Symbol),
						zap.Int64("quantity", decision.Quantity),
						zap.Float64("confidence", decision.Confidence),
						zap.Int("steps", step),
					)
					return decision, nil
				} else {
					lastErr = validateErr
				}
			} else {
				lastErr = parseErr
			}

			messages = append(messages,
				openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: rawContent,
				},
				openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf("上一轮输出不符合要求: %v。请重新严格按照指定的 JSON 格式输出决策，不要包含其他内容。", lastErr),
				},
			)
		}

		c.logger.Warn("模型决策非法，准备重新请求",
			zap.String("agent_id", snap.AgentID),
			zap.Int("step", step),
			zap.Error(lastErr),
		)
	}

	return Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, lastErr)
}

func parseDecision(content string) (Decision, error) {
	if content == "" {
		return Decision{}, errors.New("模型返回内容为空")
	}

	jsonPayload, err := extractJSON(content)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	if err = json.Unmarshal(jsonPayload, &decision); err != nil {
		return Decision{}, fmt.Errorf("解析决策JSON失败: %w", err)
	}

	return decision, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
