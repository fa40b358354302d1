package refine

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

const (
	correctedTag  = "corrected"
	translatedTag = "translated"
)

func correctionTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(`你是一个语音识别文本校正助手。

任务: 修正语音识别错误，同时保持原意和风格。

规则:
1. 修正明显的识别错误（同音字、标点缺失）
2. 纠正语法和拼写错误
3. 保持原始语气和风格
4. 不要添加新信息
5. 如果已经正确，保持不变
6. 输出语言: {language}
{context}
将校正后的文本放在<corrected>标签内返回，例如：<corrected>校正后的文本</corrected>，不要输出其他内容。`),
		schema.UserMessage("待校正文本: {text}"),
	)
}

func translationTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(`你是一个专业的翻译助手。

任务: 将文本翻译成{target_language}。

规则:
1. 保持原文的语气和风格。
2. 翻译要自然流畅，符合目标语言的表达习惯。
3. 专有名词可以保留原文或使用通用译法。
4. 不要添加任何解释或注释，只输出翻译结果。

必须注意：将翻译后的文本放在<translated>标签内返回，例如：<translated>翻译后的文本</translated>`),
		schema.UserMessage("待翻译文本: {text}"),
	)
}

func languageName(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "", "auto":
		return "与输入相同的语言"
	case "zh", "chinese", "zh-cn":
		return "中文"
	case "en", "english":
		return "English"
	case "ja", "japanese":
		return "日本語"
	default:
		return code
	}
}

// contextBlock lists prior utterances, most recent first.
func contextBlock(history []string) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n参考上下文（最近的在前，仅用于消歧，不要输出）:\n")
	for i, h := range history {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, h)
	}
	return sb.String()
}

// extractTagged returns the content of the first <tag>...</tag> pair.
func extractTagged(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	closing := "</" + tag + ">"
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(open):]
	end := strings.Index(rest, closing)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
