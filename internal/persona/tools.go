package persona

import "github.com/satriahrh/storyteller/server/domain/entities"

var startEpisodeTool = entities.Tool{
	Name:        entities.FunctionStartEpisode,
	Description: "Start the next episode when the child is ready to learn",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ready": map[string]any{
				"type":        "boolean",
				"description": "Whether the child is ready to start learning",
			},
			"user_message": map[string]any{
				"type":        "string",
				"description": "Anything the child said about how they are feeling",
			},
		},
		"required": []string{"ready"},
	},
}

var markVocabularyLearnedTool = entities.Tool{
	Name:        entities.FunctionMarkVocabularyLearned,
	Description: "Mark a vocabulary word as learned when the child successfully repeats it",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"word": map[string]any{
				"type":        "string",
				"description": "The vocabulary word that was learned",
			},
			"confidence": map[string]any{
				"type":        "string",
				"enum":        []string{"low", "medium", "high"},
				"description": "How well the child learned the word",
			},
		},
		"required": []string{"word", "confidence"},
	},
}

var completeEpisodeTool = entities.Tool{
	Name:        entities.FunctionCompleteEpisode,
	Description: "Mark the episode as completed when all vocabulary has been taught",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"words_learned": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Words successfully learned in this episode",
			},
			"completion_time": map[string]any{
				"type":        "integer",
				"description": "Seconds taken to complete the episode",
			},
		},
		"required": []string{"words_learned"},
	},
}

var practiceWordTool = entities.Tool{
	Name:        entities.FunctionPracticeWord,
	Description: "Record the child practicing a word",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"word": map[string]any{
				"type":        "string",
				"description": "The word being practiced",
			},
			"success": map[string]any{
				"type":        "boolean",
				"description": "Whether the attempt was successful",
			},
		},
		"required": []string{"word", "success"},
	},
}
