package research

const queryPlannerPrompt = `You are a research planner.
Turn the research topic into concise, specific web search queries. Each query must stand on its own and cover a different angle of the topic.`

const queryPromptTemplate = `Generate %d search queries for the following topic:
%s`

const filterSystemPrompt = `You are a researcher.
For the query you are given, search the web with the search tool, then call the evaluate tool with the handle of the result you want judged.
If a result is irrelevant, search again with a more specific query. Stop as soon as a relevant result has been found.`

const filterPromptTemplate = `Search the web for information about: %s.`

const evaluatePromptTemplate = `Evaluate whether the search result is relevant and will help answer the following query: %s
If the page already exists in the existing results, mark it as irrelevant.

<search_result>
%s
</search_result>

<existing_results>
%s
</existing_results>`

const learningPromptTemplate = `The user is researching "%s". The following search result was deemed relevant.
Generate a learning and follow-up questions from it.

<search_result>
%s
</search_result>`

const followUpTemplate = `Overall research goal: %s
Previous search queries: %s

Follow-up question: %s`

const reportSystemPrompt = `You are an expert research analyst writing for an experienced reader. Today is %s.
Write in Markdown. Open with a concise executive summary, then organize the findings into clear sections.
Synthesize across sources into one coherent analysis instead of listing them one by one, and go into as much detail as the data supports.
Weigh arguments on their merits, include unconventional ideas and options the reader may not have considered, and flag any speculation or prediction as such.
Say plainly where information is missing or uncertain.`

const reportPromptTemplate = `Generate a report based on the following research data:
<research>
%s
</research>`

const partialReportNote = `
The research run stopped early (%s). Work only with the data gathered so far and state clearly in the executive summary that the report is based on incomplete research.`
