package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"

	"mediaflow/app/model"

	"golang.org/x/text/language"
)

const analysisSchema = `{
  "title": {"en": "", "zh": ""},
  "summary": {"en": "", "zh": ""},
  "tags": [{"en": "", "zh": ""}],
  "scenes": [{"timestamp": 0, "frame": "", "description": {"en": "", "zh": ""}}]
}`

// maxTranscriptChars 提示词中转录文本的最大长度
const maxTranscriptChars = 6000

// buildPrompt 组装分析提示词
func buildPrompt(name string, extract *model.ExtractOutput, transcript *model.Transcript, frames []string) string {
	var b strings.Builder
	b.WriteString("You are analysing a video. Reply with a single JSON object that matches this schema, ")
	b.WriteString("filling every field in both English (en) and Simplified Chinese (zh):\n")
	b.WriteString(analysisSchema)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Title: %s\nDuration: %.1f seconds\n", name, extract.Duration)
	b.WriteString("Attached frames (in order):\n")
	for _, f := range frames {
		fmt.Fprintf(&b, "- %s at %.0fs\n", path.Base(f), frameTimestamp(extract, f))
	}

	if transcript != nil && len(transcript.Segments) > 0 {
		b.WriteString("\nTranscript:\n")
		written := 0
		for _, seg := range transcript.Segments {
			line := fmt.Sprintf("[%.1f-%.1f] %s\n", seg.Start, seg.End, strings.TrimSpace(seg.Text))
			if written+len(line) > maxTranscriptChars {
				b.WriteString("...\n")
				break
			}
			b.WriteString(line)
			written += len(line)
		}
	}
	return b.String()
}

// frameTimestamp 根据帧序号和抽帧间隔估算时间点
func frameTimestamp(extract *model.ExtractOutput, frame string) float64 {
	for i, f := range extract.Frames {
		if f == frame {
			return float64(i * extract.Interval)
		}
	}
	return 0
}

// backfill 为只有一种语言的字段补全另一种语言，翻译失败时复制原文
func (o *Orchestrator) backfill(ctx context.Context, a *model.Analysis) *model.TranslationFallback {
	var toZH, toEN []*model.Bilingual
	for _, f := range a.Fields() {
		switch {
		case f.EN != "" && f.ZH == "":
			toZH = append(toZH, f)
		case f.ZH != "" && f.EN == "":
			toEN = append(toEN, f)
		}
	}
	if len(toZH) == 0 && len(toEN) == 0 {
		return nil
	}

	fb := &model.TranslationFallback{}
	o.fill(ctx, fb, toZH, language.SimplifiedChinese,
		func(b *model.Bilingual) string { return b.EN },
		func(b *model.Bilingual, s string) { b.ZH = s })
	o.fill(ctx, fb, toEN, language.English,
		func(b *model.Bilingual) string { return b.ZH },
		func(b *model.Bilingual, s string) { b.EN = s })
	return fb
}

func (o *Orchestrator) fill(ctx context.Context, fb *model.TranslationFallback, fields []*model.Bilingual, target language.Tag,
	source func(*model.Bilingual) string, assign func(*model.Bilingual, string)) {
	if len(fields) == 0 {
		return
	}

	texts := make([]string, len(fields))
	for i, f := range fields {
		texts[i] = source(f)
	}

	var translated []string
	if o.deps.Translator != nil {
		out, err := o.deps.Translator.Translate(ctx, texts, target)
		switch {
		case err != nil:
			fb.Error = err.Error()
			o.log.Warnf("翻译失败，使用原文补全: 目标=%s, 错误: %v", target, err)
		case len(out) != len(texts):
			fb.Error = fmt.Sprintf("翻译结果数量不匹配: 期望 %d，实际 %d", len(texts), len(out))
			o.log.Warnf("翻译结果数量不匹配，使用原文补全: 目标=%s", target)
		default:
			translated = out
		}
	}

	for i, f := range fields {
		if translated != nil && strings.TrimSpace(translated[i]) != "" {
			assign(f, strings.TrimSpace(translated[i]))
			fb.Translated++
			continue
		}
		assign(f, texts[i])
		fb.Duplicated++
	}
}
