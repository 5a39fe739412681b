package harness

// Builtin suite ids.
const (
	QuickValidationSuiteID    = "quick_validation"
	ProviderComparisonSuiteID = "provider_comparison"
)

// QuickValidationSuite is the fast smoke suite: six representative
// provider combinations, one repetition each, all on wifi.
func QuickValidationSuite() TestSuiteDefinition {
	return TestSuiteDefinition{
		ID:          QuickValidationSuiteID,
		Name:        "Quick Validation",
		Description: "Six representative provider combinations, one pass each",
		Scenarios: []TestScenario{
			{
				ID:   "quick",
				Name: "Representative combinations",
				Configurations: []TestConfiguration{
					quickConfig("deepgram_anthropic_vibevoice", "deepgram", "anthropic", "vibevoice"),
					quickConfig("deepgram_openai_vibevoice", "deepgram", "openai", "vibevoice"),
					quickConfig("assemblyai_anthropic_chatterbox", "assemblyai", "anthropic", "chatterbox"),
					quickConfig("assemblyai_openai_chatterbox", "assemblyai", "openai", "chatterbox"),
					quickConfig("apple_selfhosted_apple", "apple", "selfhosted", "apple"),
					quickConfig("webspeech_openai_webspeech", "web-speech", "openai", "web-speech"),
				},
			},
		},
	}
}

func quickConfig(id, stt, llm, tts string) TestConfiguration {
	return TestConfiguration{
		ID:          id,
		STTProvider: stt,
		LLMProvider: llm,
		TTSProvider: tts,
		VoiceID:     "nova",
		Network:     NetworkWiFi,
		Repetitions: 1,
	}
}

// ProviderComparisonSuite varies one pipeline stage at a time against a
// fixed reference pair, five repetitions per combination, so per-provider
// medians are comparable.
func ProviderComparisonSuite() TestSuiteDefinition {
	const reps = 5

	sttScenario := TestScenario{
		ID:   "stt_comparison",
		Name: "STT providers vs fixed LLM and TTS",
	}
	for _, stt := range []string{"deepgram", "assemblyai", "apple", "web-speech"} {
		sttScenario.Configurations = append(sttScenario.Configurations, TestConfiguration{
			ID:          "stt_" + stt,
			STTProvider: stt,
			LLMProvider: "anthropic",
			TTSProvider: "vibevoice",
			VoiceID:     "nova",
			Network:     NetworkWiFi,
			Repetitions: reps,
		})
	}

	llmScenario := TestScenario{
		ID:   "llm_comparison",
		Name: "LLM providers vs fixed STT and TTS",
	}
	for _, llm := range []string{"anthropic", "openai", "selfhosted"} {
		llmScenario.Configurations = append(llmScenario.Configurations, TestConfiguration{
			ID:          "llm_" + llm,
			STTProvider: "deepgram",
			LLMProvider: llm,
			TTSProvider: "vibevoice",
			VoiceID:     "nova",
			Network:     NetworkWiFi,
			Repetitions: reps,
		})
	}

	ttsScenario := TestScenario{
		ID:   "tts_comparison",
		Name: "TTS providers vs fixed STT and LLM",
	}
	for _, tts := range []string{"vibevoice", "chatterbox", "apple"} {
		ttsScenario.Configurations = append(ttsScenario.Configurations, TestConfiguration{
			ID:          "tts_" + tts,
			STTProvider: "deepgram",
			LLMProvider: "anthropic",
			TTSProvider: tts,
			VoiceID:     "nova",
			Network:     NetworkWiFi,
			Repetitions: reps,
		})
	}

	return TestSuiteDefinition{
		ID:          ProviderComparisonSuiteID,
		Name:        "Provider Comparison",
		Description: "Per-stage provider comparison with a fixed reference pipeline",
		Scenarios:   []TestScenario{sttScenario, llmScenario, ttsScenario},
	}
}
