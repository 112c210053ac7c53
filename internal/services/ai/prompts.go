package ai

// focusPrompts selects the analysis perspective. Unknown focus values fall
// back to default.
var focusPrompts = map[string]string{
	"default":  "深度分析并总结视频的核心内容、关键点和结论。",
	"study":    "以学习者的视角，详细总结视频中的核心知识点、逻辑框架、学术概念、公式或参考文献。",
	"gossip":   "以观众互动的视角，提取视频中的槽点、金句、梗、弹幕热评以及最具娱乐性的瞬间。",
	"business": "以商业分析师视角，拆解视频背后的商业模式、市场机会、运营逻辑或营销手段。",
}

func summaryPrompt(focus string) string {
	desc, ok := focusPrompts[focus]
	if !ok {
		desc = focusPrompts["default"]
	}

	return "你是一个专业的视频分析助手。请按照以下视角进行总结：【" + desc + "】\n\n" +
		"要求：\n" +
		"1. 如果视频有视觉画面，请结合画面信息提供更丰富的描述。\n" +
		"2. 摘要需要清晰、结构化且全面。\n" +
		"3. 【重要】必须在总结的末尾提供一个 Mermaid 格式的思维导图。请使用如下格式包裹：\n" +
		"```mermaid\n" +
		"graph TD\n" +
		"    A[核心主题] --> B(关键分支1)\n" +
		"    B --> C(细分节点1)\n" +
		"    A --> D(关键分支2)\n" +
		"```\n" +
		"4. 直接使用标准 Markdown 格式。严禁使用 LaTeX 格式（禁止使用 $ 符号），表示方向请直接使用 '→' 或 '->'。"
}

const transcriptPrompt = "请逐字转写这段媒体中的语音内容，输出为纯文本。不要添加任何解释、标题或时间戳。"
