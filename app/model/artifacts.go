package model

// ExtractOutput 抽帧阶段输出，帧路径相对于媒体目录
type ExtractOutput struct {
	Frames   []string `json:"frames"`
	Duration float64  `json:"duration"`
	Interval int      `json:"interval"`
}

// Segment 带时间戳的转录片段
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript 转录阶段输出
type Transcript struct {
	Segments []Segment `json:"segments"`
	Duration float64   `json:"duration"`
	Skipped  bool      `json:"skipped,omitempty"` // 未配置语音服务
}

// Bilingual 中英文并列字段
type Bilingual struct {
	EN string `json:"en"`
	ZH string `json:"zh"`
}

// Empty 两种语言都为空
func (b Bilingual) Empty() bool {
	return b.EN == "" && b.ZH == ""
}

// Scene 与时间点对应的画面描述
type Scene struct {
	Timestamp   float64   `json:"timestamp"`
	Frame       string    `json:"frame,omitempty"`
	Description Bilingual `json:"description"`
}

// TranslationFallback 记录翻译补全的结果
type TranslationFallback struct {
	Translated int    `json:"translated"`
	Duplicated int    `json:"duplicated"`
	Error      string `json:"error,omitempty"`
}

// Analysis 分析阶段输出
type Analysis struct {
	Title    Bilingual            `json:"title"`
	Summary  Bilingual            `json:"summary"`
	Tags     []Bilingual          `json:"tags"`
	Scenes   []Scene              `json:"scenes"`
	Fallback *TranslationFallback `json:"fallback,omitempty"`
}

// Fields 返回全部双语字段的指针，按固定顺序
func (a *Analysis) Fields() []*Bilingual {
	fields := []*Bilingual{&a.Title, &a.Summary}
	for i := range a.Tags {
		fields = append(fields, &a.Tags[i])
	}
	for i := range a.Scenes {
		fields = append(fields, &a.Scenes[i].Description)
	}
	return fields
}

// Document 持久化的完整文档
type Document struct {
	Media      MediaRecord   `json:"media"`
	Extract    ExtractOutput `json:"extract"`
	Transcript Transcript    `json:"transcript"`
	Analysis   Analysis      `json:"analysis"`
}
