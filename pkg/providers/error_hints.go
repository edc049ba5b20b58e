package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	if strings.Contains(lower, "unrecognized request argument supplied: functions") {
		return msg + " Hint: this endpoint does not accept legacy function calling. Use a model/api version that supports `functions` and `function_call`."
	}

	switch providerName {
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key in OPENAI_KEY. For Azure resources set OPENAI_API_TYPE=azure."
		}
	case ProviderAzure:
		if strings.Contains(lower, "deploymentnotfound") || strings.Contains(lower, "deployment for this resource does not exist") {
			return msg + " Hint: OPENAI_DEPLOYMENT must name a deployment on the resource in OPENAI_URL, not a model id."
		}
		if strings.Contains(lower, "access denied due to invalid subscription key") {
			return msg + " Hint: Azure expects the resource key from the Keys and Endpoint page in OPENAI_KEY."
		}
	case ProviderOpenRouter:
		if strings.Contains(lower, "no endpoints found that support tool use") ||
			strings.Contains(lower, "function calling") {
			return msg + " Hint: pick an OpenRouter model that supports function calling in OPENAI_MODEL."
		}
	}

	return msg
}
