package transcriber

import (
	"errors"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/z-wentao/subflow/pkg/models"
)

// ErrMissingMedia 请求缺少媒体地址或类型
var ErrMissingMedia = errors.New("缺少媒体地址或类型")

// Instruction 固定的转写指令
const Instruction = `You are an expert audio transcriptionist specializing in creating readable subtitles. Your task is to transcribe the provided audio with extreme accuracy and format it into subtitle segments.

Generate a list of subtitle segments. Each segment must contain:
1. A "start" timestamp in "HH:MM:SS,mmm" format.
2. An "end" timestamp in "HH:MM:SS,mmm" format.
3. The "text" of the transcription for that segment.

Important rules for the "text" field to ensure readability:
- Keep subtitle lines short, ideally one or two phrases per segment.
- Avoid creating very long, multi-line text blocks within a single subtitle segment.
- Break lines at natural pause points in the speech.
- Split longer sentences into smaller, coherent parts. Prefer to break lines before conjunctions (e.g., "and", "but", "or"), prepositions (e.g., "in", "on", "with"), or at the end of clauses.
- Each subtitle segment should represent a short, digestible piece of information for the viewer.

Ensure the timestamps are precise and the text is a faithful transcription of the speech in the audio.
The output must be valid JSON matching the provided schema. Do not include any other text or explanations.`

// ModelRequest 一次模型调用的完整描述
type ModelRequest struct {
	Instruction string
	Schema      jsonschema.Definition
	Media       models.MediaReference
}

// Build 组装模型请求，不做任何 I/O
func Build(ref models.MediaReference) (ModelRequest, error) {
	if ref.FetchURL() == "" || ref.ContentType == "" {
		return ModelRequest{}, ErrMissingMedia
	}

	return ModelRequest{
		Instruction: Instruction,
		Schema:      SegmentSchema(),
		Media:       ref,
	}, nil
}

// SegmentSchema 输出结构：{start, end, text} 对象数组，三个字段必填，不允许多余字段
func SegmentSchema() jsonschema.Definition {
	return jsonschema.Definition{
		Type: jsonschema.Array,
		Items: &jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"start": {Type: jsonschema.String, Description: "HH:MM:SS,mmm"},
				"end":   {Type: jsonschema.String, Description: "HH:MM:SS,mmm"},
				"text":  {Type: jsonschema.String},
			},
			Required:             []string{"start", "end", "text"},
			AdditionalProperties: false,
		},
	}
}
