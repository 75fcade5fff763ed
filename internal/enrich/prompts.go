package enrich

const summaryPrompt = `Summarize the following email in one or two sentences. Reply with the summary only.

Email:
%s`

const actionPrompt = `Does the following email ask the recipient to reply, decide or do something? Answer with only "yes" or "no".

Email:
%s`

const eventPrompt = `Does the following email mention a meeting, appointment or other event planned for a specific date? Answer with only "yes" or "no".

Email:
%s`

const eventTimePrompt = `When does the event mentioned in the following email start? Reply with only the date and time in the format YYYY-MM-DD HH:MM (24-hour clock).

Email:
%s`

const eventDetailsPrompt = `Give a short title and a one-sentence description of the event mentioned in the following email. Reply in exactly this format:
Title: <title>
Description: <description>

Email:
%s`
